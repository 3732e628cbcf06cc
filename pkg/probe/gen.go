package probe

//go:generate bash -c "bpftool btf dump file /sys/kernel/btf/vmlinux format c > ../../bpf/vmlinux.h"
//go:generate bash -c "mkdir -p ../../output && clang -g -O2 -target bpf -D__TARGET_ARCH_x86 -I../../bpf -c ../../bpf/cutrace.bpf.c -o ../../output/cutrace.bpf.o"
