// Package procinfo enriches events with what procfs knows about a process:
// executable path, arguments, user and container.
package procinfo

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/fanjindong/go-cache"
	log "github.com/sirupsen/logrus"
)

var (
	ErrReadFile        = errors.New("read file failed")
	ErrProcessNotFound = errors.New("process not found")
)

const DefaultProcRoot = "/proc"

// ProcessInfo is the cached view of one process.
type ProcessInfo struct {
	Pid         uint32
	PPid        string
	Path        string
	Args        string
	UID         string
	User        string
	ContainerID string
}

// Resolver reads process information from a procfs root and caches it per
// pid.
type Resolver struct {
	procRoot   string
	caches     *LocalCaches
	lookupUser func(uid string) (string, error)
}

func NewResolver(procRoot string) *Resolver {
	if procRoot == "" {
		procRoot = DefaultProcRoot
	}
	return &Resolver{
		procRoot: procRoot,
		caches:   InitLocalCaches(),
		lookupUser: func(uid string) (string, error) {
			u, err := user.LookupId(uid)
			if err != nil {
				return "", err
			}
			return u.Username, nil
		},
	}
}

func (r *Resolver) pidPath(pid uint32, name string) string {
	return filepath.Join(r.procRoot, strconv.FormatUint(uint64(pid), 10), name)
}

// Lookup returns the process information for pid, from cache when possible.
// A process that is already gone yields an info with only Pid set.
func (r *Resolver) Lookup(pid uint32) *ProcessInfo {
	key := strconv.FormatUint(uint64(pid), 10)
	if v, ok := r.caches.ProcessCache.Get(key); ok {
		return v.(*ProcessInfo)
	}

	info := &ProcessInfo{Pid: pid}
	path, err := r.ProcessPath(pid)
	if err != nil {
		r.caches.ProcessCache.Set(key, info, cache.WithEx(DefaultMissCacheExpTime))
		return info
	}
	info.Path = path

	if info.Args, err = r.ProcessArgs(pid); err != nil {
		log.WithError(err).WithField("pid", pid).Debug("reading process args")
	}
	if info.PPid, err = r.GetPPID(pid); err != nil {
		log.WithError(err).WithField("pid", pid).Debug("reading parent pid")
	}
	if info.UID, err = r.UID(pid); err == nil {
		info.User = r.Username(info.UID)
	}
	if info.ContainerID, err = r.ContainerID(pid); err != nil {
		log.WithError(err).WithField("pid", pid).Debug("reading process cgroup")
	}

	r.caches.ProcessCache.Set(key, info, cache.WithEx(DefaultProcessCacheExpTime))
	return info
}

// Forget drops the cached entry of pid, after the process exited or
// replaced its image.
func (r *Resolver) Forget(pid uint32) {
	r.caches.ProcessCache.Del(strconv.FormatUint(uint64(pid), 10))
}

// ProcessPath resolves the executable of pid.
func (r *Resolver) ProcessPath(pid uint32) (string, error) {
	path, err := os.Readlink(r.pidPath(pid, "exe"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProcessNotFound, err)
	}
	return strings.TrimSuffix(path, " (deleted)"), nil
}

// ProcessArgs returns the command line of pid, arguments separated by
// spaces.
func (r *Resolver) ProcessArgs(pid uint32) (string, error) {
	data, err := os.ReadFile(r.pidPath(pid, "cmdline"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReadFile, err)
	}
	data = []byte(strings.TrimRight(string(data), "\x00"))
	return strings.ReplaceAll(string(data), "\x00", " "), nil
}

// UID returns the real uid of pid from its status file.
func (r *Resolver) UID(pid uint32) (string, error) {
	return r.statusField(pid, "Uid:")
}

// GetPPID returns the parent pid of pid.
func (r *Resolver) GetPPID(pid uint32) (string, error) {
	return r.statusField(pid, "PPid:")
}

func (r *Resolver) statusField(pid uint32, prefix string) (string, error) {
	file, err := os.Open(r.pidPath(pid, "status"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProcessNotFound, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				return parts[1], nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrReadFile, err)
	}
	return "", fmt.Errorf("%w: %s missing for %d", ErrReadFile, prefix, pid)
}

// Username maps a uid to a login name, falling back to the numeric uid.
func (r *Resolver) Username(uid string) string {
	if v, ok := r.caches.UserCache.Get(uid); ok {
		return v.(string)
	}
	name, err := r.lookupUser(uid)
	if err != nil {
		log.WithField("uid", uid).Debug("could not lookup user")
		name = uid
	}
	r.caches.UserCache.Set(uid, name, cache.WithEx(DefaultUserCacheExpTime))
	return name
}

var containerIDPattern = regexp.MustCompile(`[0-9a-f]{64}`)

// ContainerID extracts the container id from the cgroup path of pid. A
// process outside any container yields an empty id.
func (r *Resolver) ContainerID(pid uint32) (string, error) {
	file, err := os.Open(r.pidPath(pid, "cgroup"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReadFile, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if id := containerIDPattern.FindString(scanner.Text()); id != "" {
			return id, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrReadFile, err)
	}
	return "", nil
}
