package worker

import (
	"bufio"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// sampleProcess returns a best-effort resident-set-size and cumulative
// CPU-time-seconds sample for the still-running process. It never fails
// loudly, since statistics are advisory telemetry, not protocol-critical
// data: a read error leaves RSS at zero, and when no CPU time can be read
// the wall-clock time since start is reported instead.
func sampleProcess(proc *os.Process, start time.Time) (rss uint64, cpuSecs float64) {
	if proc == nil {
		return 0, time.Since(start).Seconds()
	}
	pid := proc.Pid

	if statm, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/statm"); err == nil {
		fields := strings.Fields(string(statm))
		if len(fields) > 1 {
			if pages, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				rss = pages * uint64(os.Getpagesize())
			}
		}
	}

	if stat, err := os.Open("/proc/" + strconv.Itoa(pid) + "/stat"); err == nil {
		defer stat.Close()
		sc := bufio.NewScanner(stat)
		sc.Buffer(make([]byte, 4096), 4096)
		if sc.Scan() {
			fields := strings.Fields(sc.Text())
			// utime is field 14, stime is field 15 (1-indexed per proc(5)).
			if len(fields) > 14 {
				utime, _ := strconv.ParseUint(fields[13], 10, 64)
				stime, _ := strconv.ParseUint(fields[14], 10, 64)
				clockTicks := uint64(100) // typical _SC_CLK_TCK on linux
				cpuSecs = float64(utime+stime) / float64(clockTicks)
			}
		}
	}

	if cpuSecs == 0 {
		cpuSecs = time.Since(start).Seconds()
	}
	return rss, cpuSecs
}

// finalUsage reads the cumulative resource usage of an already-reaped
// child from cmd.ProcessState, used for the last statistics sample emitted
// right before the terminal response.
func finalUsage(cmd *exec.Cmd) (rss uint64, cpuSecs float64) {
	if cmd.ProcessState == nil {
		return 0, 0
	}
	cpuSecs = cmd.ProcessState.UserTime().Seconds() + cmd.ProcessState.SystemTime().Seconds()
	return 0, cpuSecs
}
