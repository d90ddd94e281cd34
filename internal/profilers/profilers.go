// Package profilers sets up profiling of the command line tools, with the flags -prof (HTTP pprof
// server) and -cpu_profile.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"k8s.io/klog/v2"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, serves the pprof profiler at the given port, and keeps "+
		"the program alive at the end until interrupted.")
	flagCPUProfile = flag.String("cpu_profile", "", "Write a CPU profile to `file`.")

	profilerAddr string
	cpuProfile   *os.File

	// globalCtx is set on the call to Setup.
	globalCtx context.Context
)

// Setup starts the configured profilers. It should be followed by a deferred call to OnQuit.
// ctx should be cancelled when the program is interrupted.
func Setup(ctx context.Context) {
	globalCtx = ctx
	if *flagProfiler >= 0 {
		profilerAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
		fmt.Printf("Profiler serving at %s/debug/pprof, e.g.: $ go tool pprof %s/debug/pprof/heap\n",
			profilerAddr, profilerAddr)
		go func() {
			klog.Fatal(http.ListenAndServe(profilerAddr, nil))
		}()
	}
	if *flagCPUProfile != "" {
		var err error
		cpuProfile, err = os.Create(*flagCPUProfile)
		if err != nil {
			klog.Fatalf("Failed to create CPU profile %q: %+v", *flagCPUProfile, err)
		}
		if err = pprof.StartCPUProfile(cpuProfile); err != nil {
			klog.Fatalf("Failed to start CPU profile: %+v", err)
		}
	}
}

// OnQuit stops the CPU profile and, if the HTTP profiler is enabled, keeps the program alive until
// the context given to Setup is cancelled.
func OnQuit() {
	if cpuProfile != nil {
		pprof.StopCPUProfile()
		_ = cpuProfile.Close()
		klog.Infof("CPU profile saved to %q", *flagCPUProfile)
	}
	if *flagProfiler < 0 {
		return
	}
	// Don't freeze on panic.
	if err := recover(); err != nil {
		panic(err)
	}
	if globalCtx.Err() != nil {
		return
	}
	// Collect garbage, so leaks are visible in the heap profile.
	for range 10 {
		runtime.GC()
	}
	fmt.Printf("Program finished: profiler kept alive at %s/debug/pprof, interrupt (Ctrl+C) to exit\n", profilerAddr)
	<-globalCtx.Done()
}
