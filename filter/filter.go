package filter

import (
	"net"
	"strconv"
	"strings"

	. "github.com/gotoolkits/lightrace/event"
)

type FilterCondition interface {
	Match(e EventPayload) bool
}

type PortFilter struct {
	port uint16
}

func (f *PortFilter) Match(e EventPayload) bool {
	return e.DestPort == f.port
}

type IPFilter struct {
	ip net.IP
}

func (f *IPFilter) Match(e EventPayload) bool {
	return f.ip.Equal(e.DestIP)
}

type CIDRFilter struct {
	ipNet *net.IPNet
}

func (f *CIDRFilter) Match(e EventPayload) bool {
	return e.DestIP != nil && f.ipNet.Contains(e.DestIP)
}

// KeywordFilter matches the process path or the accessed file.
type KeywordFilter struct {
	keyword string
}

func (f *KeywordFilter) Match(e EventPayload) bool {
	return strings.Contains(e.ProcessPath, f.keyword) || strings.Contains(e.Filename, f.keyword)
}

type ContainerFilter struct {
	keyword string
}

func (f *ContainerFilter) Match(e EventPayload) bool {
	return e.ContainerID != "" && strings.Contains(e.ContainerID, f.keyword)
}

type CommFilter struct {
	comm string
}

func (f *CommFilter) Match(e EventPayload) bool {
	return e.Comm == f.comm
}

type KindFilter struct {
	kind Kind
}

func (f *KindFilter) Match(e EventPayload) bool {
	return e.Kind == f.kind.String()
}

type PidFilter struct {
	pid uint32
}

func (f *PidFilter) Match(e EventPayload) bool {
	return e.Pid == f.pid
}

type FilterGroup struct {
	filters []FilterCondition
	op      string // "&&" or "||"
}

func (g FilterGroup) match(e EventPayload) bool {
	if g.op == "&&" {
		for _, f := range g.filters {
			if !f.Match(e) {
				return false
			}
		}
		return true
	}
	for _, f := range g.filters {
		if f.Match(e) {
			return true
		}
	}
	return false
}

// ExcludeFilter drops rendered events matching any of its groups.
type ExcludeFilter struct {
	groups []FilterGroup
}

func (ef *ExcludeFilter) AddGroup(filters []FilterCondition, op string) {
	ef.groups = append(ef.groups, FilterGroup{filters: filters, op: op})
}

func (ef *ExcludeFilter) Empty() bool {
	return ef == nil || len(ef.groups) == 0
}

func (ef *ExcludeFilter) ShouldExclude(e EventPayload) bool {
	if ef == nil {
		return false
	}
	for _, group := range ef.groups {
		if group.match(e) {
			return true
		}
	}
	return false
}

// ParseExcludeParam parses expressions such as
//
//	dport=80 && dip='10.0.0.0/8'; comm=sshd; kind=read || kind=write
//
// Groups are separated by ';'. Conditions that do not parse are skipped.
func ParseExcludeParam(param string) *ExcludeFilter {
	ef := &ExcludeFilter{}

	for _, groupStr := range strings.Split(param, ";") {
		groupStr = strings.TrimSpace(groupStr)
		if groupStr == "" {
			continue
		}

		op := "||"
		if strings.Contains(groupStr, "&&") {
			op = "&&"
		}

		var filters []FilterCondition
		for _, cond := range strings.Split(groupStr, op) {
			kv := strings.SplitN(strings.TrimSpace(cond), "=", 2)
			if len(kv) != 2 {
				continue
			}
			key := strings.TrimSpace(kv[0])
			value := strings.Trim(strings.TrimSpace(kv[1]), "'\"")
			if f := parseCondition(key, value); f != nil {
				filters = append(filters, f)
			}
		}

		if len(filters) > 0 {
			ef.AddGroup(filters, op)
		}
	}

	return ef
}

func parseCondition(key, value string) FilterCondition {
	switch key {
	case "dport":
		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return nil
		}
		return &PortFilter{port: uint16(port)}
	case "dip":
		if strings.Contains(value, "/") {
			if _, ipNet, err := net.ParseCIDR(value); err == nil {
				return &CIDRFilter{ipNet: ipNet}
			}
			return nil
		}
		if ip := net.ParseIP(value); ip != nil {
			return &IPFilter{ip: ip}
		}
	case "keyword":
		return &KeywordFilter{keyword: value}
	case "container":
		return &ContainerFilter{keyword: value}
	case "comm":
		return &CommFilter{comm: value}
	case "kind":
		if k, err := ParseKind(value); err == nil {
			return &KindFilter{kind: k}
		}
	case "pid":
		if pid, err := strconv.ParseUint(value, 10, 32); err == nil {
			return &PidFilter{pid: uint32(pid)}
		}
	}
	return nil
}
