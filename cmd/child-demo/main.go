// Command child-demo illustrates the child-side counterpart of
// roottask-demo: parsing the four environment variables a real parent
// would set, and reporting what initProcess would do with them. It does
// not perform a real handoff-blob unpack since this demo has no parent
// process mapping memory for it; it demonstrates the environment-variable
// contract of spec.md §6 only. It is not part of the core (spec.md §1).
package main

import (
	goflag "flag"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/capkit/coeruntime/pkg/childinit"
	"github.com/capkit/coeruntime/pkg/coeerr"
)

func newChildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "child-demo",
		Short: "Report the child-side environment contract this process was started with",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	return cmd
}

func run() error {
	env, err := readEnvironment()
	if err != nil {
		return err
	}
	klog.InfoS("child environment parsed",
		"heapAddr", fmt.Sprintf("0x%x", env.HeapAddr),
		"heapSize", env.HeapSize,
		"initDataAddr", fmt.Sprintf("0x%x", env.InitDataAddr),
		"initDataSize", env.InitDataSize,
	)
	return nil
}

func readEnvironment() (childinit.Environment, error) {
	heapAddr, err := parseHex("HEAP_ADDR")
	if err != nil {
		return childinit.Environment{}, err
	}
	heapSize, err := parseDec("HEAP_SIZE")
	if err != nil {
		return childinit.Environment{}, err
	}
	initDataAddr, err := parseHex("INIT_DATA_ADDR")
	if err != nil {
		return childinit.Environment{}, err
	}
	initDataSize, err := parseDec("INIT_DATA_SIZE")
	if err != nil {
		return childinit.Environment{}, err
	}
	return childinit.Environment{
		HeapAddr:     heapAddr,
		HeapSize:     heapSize,
		InitDataAddr: initDataAddr,
		InitDataSize: initDataSize,
	}, nil
}

func parseHex(name string) (uint64, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, coeerr.Wrapf(coeerr.ErrNotInitialized, "missing required environment variable %s", name)
	}
	return strconv.ParseUint(v, 0, 64)
}

func parseDec(name string) (uint64, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, coeerr.Wrapf(coeerr.ErrNotInitialized, "missing required environment variable %s", name)
	}
	return strconv.ParseUint(v, 10, 64)
}

func main() {
	fs := goflag.NewFlagSet("child-demo", goflag.ExitOnError)
	klog.InitFlags(fs)
	pflag.CommandLine.AddGoFlagSet(fs)

	cmd := newChildCmd()
	defer klog.Flush()
	if err := cmd.Execute(); err != nil {
		klog.ErrorS(err, "child-demo failed")
		os.Exit(1)
	}
}
