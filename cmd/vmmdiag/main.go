// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command vmmdiag is a diagnostic driver for the memory core: it reads
// scripted commands from stdin and drives an in-process vspace.Space
// through them, printing the resulting hole/mapping/RSS state. It is not
// part of the kernel's own syscall boundary (that's the vspace/view/pager/
// slice package APIs); it exists to exercise that surface end to end
// outside of a real kernel build, the way runsc's cobra subcommands drive
// the sentry end to end for debugging.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/UditDey/managarm/cmd/vmmdiag/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "vmmdiag",
	Short: "Interactive driver for the managarm memory core",
	Long: `vmmdiag reads one command per line from stdin and applies it to an
in-process simulated address space, pager, and physical allocator.

Supported commands:
  create-space <space>
  create-view <view> allocated|cached <pages> [pager-name]
  map <space> <view> <offset-pages> <length-pages> <rwx> [fixed:<va-pages>|bottom|top] [cow|share|drop]
  fault <space> <va-pages> r|w|x
  protect <space> <va-pages> <length-pages> <rwx>
  unmap <space> <va-pages> <length-pages>
  fork <parent-space> <child-space>
  submit-manage <pager-name>
  complete-load <pager-name> <offset-pages> <length-pages>
  holes <space>
  mappings <space>
  rss <space>
  ptes <space>
  quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return session.New(cmd.InOrStdin(), cmd.OutOrStdout()).Run()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
