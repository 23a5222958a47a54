//go:build unix

package trace

import "golang.org/x/sys/unix"

func writeRusage(s *SummaryWriter) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return
	}
	s.Value("RusageMaxResidentMemorySet", ru.Maxrss)
	s.Value("RusageSharedMemSize", ru.Ixrss)
	s.Value("RusageUnsharedDataSize", ru.Idrss)
	s.Value("RusagePageReclaims", ru.Minflt)
	s.Value("RusagePageFaults", ru.Majflt)
	s.Value("RusageSwaps", ru.Nswap)
	s.Value("RusageBlockInputOps", ru.Inblock)
	s.Value("RusageBlockOutputOps", ru.Oublock)
	s.Value("RusageIPCSends", ru.Msgsnd)
	s.Value("RusageIPCRecv", ru.Msgrcv)
	s.Value("RusageSignalsRcvd", ru.Nsignals)
	s.Value("RusageVolnContextSwitches", ru.Nvcsw)
	s.Value("RusageInvolnContextSwitches", ru.Nivcsw)
}
