// Package bpf holds the kernel side of the tracer: the event layout shared
// with user space (tracer.h) and the programs filling it (tracer.bpf.c).
//
// The objects are built with bpf2go, one per target architecture, and loaded
// at run time from bpf/tracer_<arch>_bpfel.o. vmlinux.h is dumped from the
// running kernel's BTF.
package bpf

//go:generate sh -c "bpftool btf dump file /sys/kernel/btf/vmlinux format c > vmlinux.h"
//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -Werror" -target amd64,arm64 tracer tracer.bpf.c -- -I.
