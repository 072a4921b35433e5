//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sand

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaiterWakesAfterSIGIOBurst(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	waiter := newWaiter(int(r.Fd()))
	defer waiter.stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGIO))
	}

	done := make(chan struct{})
	go func() {
		waiter.block()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("block() never woke up after SIGIO burst")
	}
}
