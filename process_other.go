// Copyright 2026 The Logvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !unix

package logvisor

import (
	"os"
	"syscall"
)

// Without POSIX signals a graceful terminate is not available, so stop
// escalation degrades to an immediate kill.
var terminateSignal os.Signal = os.Kill

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// alive cannot probe without signals; the reaper keeps the registry
// accurate on its own.
func alive(p *os.Process) bool {
	return true
}

func signalName(sig os.Signal) string {
	return sig.String()
}

func exitStatus(ps *os.ProcessState) (int, string) {
	return ps.ExitCode(), ""
}
