// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"

	"github.com/memlogdb/memlog/internal/backup"
	"github.com/memlogdb/memlog/internal/core"
)

var usage = `
	backupcli is a tool to inspect the storage file of a memlog backup
	server while the server is offline. It can list the replicas a storage
	file holds (by decoding the per-frame metadata blocks) and scribble the
	metadata so the file's replicas won't be inventoried by a future
	backup.

	You can either issue one command:

		backupcli --file <path> --segmentSize <bytes> --frames <n> <subcommand>

	or start a command line interpreter to issue commands interactively:

		backupcli --file <path> --segmentSize <bytes> --frames <n> shell
	`

// backupCli inspects backup storage files.
type backupCli struct {
	// the command line framework we'll use to launch commands.
	app *cli.App

	// Open storage, lazily created from the flags.
	storage *backup.FileStorage

	// True if we are running a shell.
	inShell bool
}

// newBackupCli creates a new backupCli object.
func newBackupCli() *backupCli {
	b := &backupCli{}
	app := cli.NewApp()
	app.Name = "backupcli"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "file, f",
			Usage: "path of the storage file",
		},
		cli.IntFlag{
			Name:  "segmentSize, s",
			Usage: "segment size the file was written with",
			Value: backup.DefaultProdConfig.SegmentSize,
		},
		cli.IntFlag{
			Name:  "frames, n",
			Usage: "number of frames in the file",
			Value: backup.DefaultProdConfig.NumFrames,
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "inspect",
			Usage:  "list the replicas the storage file holds",
			Action: b.cmdInspect,
		},
		{
			Name:   "scrub",
			Usage:  "scribble all metadata blocks so no replica survives a restart",
			Action: b.cmdScrub,
		},
		{
			Name:   "shell",
			Usage:  "start an interactive shell",
			Action: b.cmdShell,
		},
	}
	b.app = app
	return b
}

func (b *backupCli) run(args []string) {
	if err := b.app.Run(args); err != nil {
		log.Errorf("%s", err)
	}
}

// open opens the storage file named by the global flags, once.
func (b *backupCli) open(c *cli.Context) (*backup.FileStorage, error) {
	if b.storage != nil {
		return b.storage, nil
	}
	path := c.GlobalString("file")
	if path == "" {
		return nil, fmt.Errorf("--file is required")
	}
	s, err := backup.NewFileStorage(path, c.GlobalInt("segmentSize"), c.GlobalInt("frames"))
	if err != core.NoError {
		return nil, err.Error()
	}
	b.storage = s
	return s, nil
}

func (b *backupCli) cmdInspect(c *cli.Context) error {
	s, err := b.open(c)
	if err != nil {
		return err
	}
	infos, cerr := s.Enumerate()
	if cerr != core.NoError {
		return cerr.Error()
	}
	capacity := uint32(c.GlobalInt("segmentSize"))
	held := 0
	for _, fi := range infos {
		meta := fi.Meta
		if !meta.CheckIntegrity(capacity) {
			continue
		}
		held++
		state := "open"
		if meta.Closed {
			state = "closed"
		}
		fmt.Printf("frame %4d: master %d segment %d %s, %d certified bytes\n",
			fi.Frame.Index(), meta.LogID, meta.SegmentID, state, meta.Cert.Length)
	}
	fmt.Printf("%d replicas in %d frames\n", held, len(infos))
	return nil
}

func (b *backupCli) cmdScrub(c *cli.Context) error {
	s, err := b.open(c)
	if err != nil {
		return err
	}
	if cerr := s.Scribble(); cerr != core.NoError {
		return cerr.Error()
	}
	fmt.Println("scribbled all metadata blocks")
	return nil
}

// cmdShell runs commands interactively until EOF or "quit".
func (b *backupCli) cmdShell(c *cli.Context) error {
	if b.inShell {
		return fmt.Errorf("already in a shell")
	}
	b.inShell = true
	defer func() { b.inShell = false }()

	names := make([]string, 0, len(b.app.Commands))
	for _, cmd := range b.app.Commands {
		names = append(names, cmd.Name)
	}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(l string) (out []string) {
		for _, n := range names {
			if strings.HasPrefix(n, l) {
				out = append(out, n)
			}
		}
		return
	})
	defer line.Close()

	for {
		input, err := line.Prompt("(backup) ")
		if err == io.EOF || err == liner.ErrPromptAborted {
			return nil
		} else if err != nil {
			return err
		}
		// We use 'shlex' so quoted arguments split the way they would in a
		// normal shell.
		args, err := shlex.Split(input)
		if err != nil {
			fmt.Printf("bad input: %s\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" || args[0] == "exit" {
			return nil
		}
		line.AppendHistory(input)
		b.run(append([]string{"backupcli"}, args...))
	}
}
