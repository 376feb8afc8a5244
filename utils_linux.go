//go:build linux
// +build linux

package questdb

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RaiseFdLimit bumps the open-file soft limit so the dispatcher can hold
// many concurrent connections.
func RaiseFdLimit(limit uint64) {
	noRLimit := &unix.Rlimit{}
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, noRLimit)
	if err != nil {
		log.Error().Msgf("error occur while getting OS limit of open files: %+v", err)
		return
	}
	if noRLimit.Cur >= limit {
		return
	}
	if limit > noRLimit.Max {
		limit = noRLimit.Max
	}
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{
		Cur: limit,
		Max: noRLimit.Max,
	})
	if err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
	}
}
