// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"os"
)

func main() {
	newBackupCli().run(os.Args)
}
