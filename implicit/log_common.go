// Copyright 2021 Daniel Shchur. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package implicit

// logging functions

import (
	"github.com/intuitivelabs/slog"
)

// internal constants
const (
	pDBG  = "DBG: " + NAME + ": "
	pWARN = "WARNING: " + NAME + ": "
	pERR  = "ERROR: " + NAME + ": "
	pBUG  = "BUG: " + NAME + ": "
)

// Log is the generic log
var Log slog.Log = slog.New(slog.LDBG, slog.LbackTraceS|slog.LlocInfoS,
	slog.LStdErr)

// DBG is a shorthand for logging a debug message.
func DBG(f string, a ...interface{}) {
	Log.LLog(slog.LDBG, 1, pDBG, f, a...)
}

// WARN is a shorthand for logging a warning message.
func WARN(f string, a ...interface{}) {
	Log.LLog(slog.LWARN, 1, pWARN, f, a...)
}

// ERR is a shorthand for logging an error message.
func ERR(f string, a ...interface{}) {
	Log.LLog(slog.LERR, 1, pERR, f, a...)
}

// BUG is a shorthand for logging a bug message.
func BUG(f string, a ...interface{}) {
	Log.LLog(slog.LBUG, 1, pBUG, f, a...)
}
