// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package process provides the cobra/viper/zap glue shared by all scansink
// commands: config structs bound through cfgstruct, environment variable
// overrides, and an interrupt-aware context per command.
package process

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ledgerlake/scansink/pkg/cfgstruct"
)

// Error is the class of process setup errors.
var Error = errs.Class("process")

var (
	mu       sync.Mutex
	bindings = map[*cobra.Command][]cfgstruct.EnvBinding{}
	contexts = map[*cobra.Command]context.Context{}
)

// Bind registers flags for config on cmd and remembers the environment
// variables its fields are bound to.
func Bind(cmd *cobra.Command, config interface{}) {
	envs := cfgstruct.Bind(cmd.Flags(), config)

	mu.Lock()
	defer mu.Unlock()
	bindings[cmd] = append(bindings[cmd], envs...)
}

// Ctx returns the interrupt-aware context installed for cmd. It is only
// valid inside the command's RunE.
func Ctx(cmd *cobra.Command) context.Context {
	mu.Lock()
	defer mu.Unlock()
	if ctx, ok := contexts[cmd]; ok {
		return ctx
	}
	return context.Background()
}

// Exec runs the command tree with logging, env overrides and signal-aware
// contexts installed around every RunE.
func Exec(cmd *cobra.Command) {
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	cmd.SilenceUsage = true
	cleanup(cmd)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func cleanup(cmd *cobra.Command) {
	for _, child := range cmd.Commands() {
		cleanup(child)
	}
	if cmd.RunE == nil {
		return
	}
	internalRun := cmd.RunE

	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		vip := viper.New()
		if err := vip.BindPFlags(cmd.Flags()); err != nil {
			return Error.Wrap(err)
		}

		mu.Lock()
		envs := bindings[cmd]
		mu.Unlock()
		for _, binding := range envs {
			if err := vip.BindEnv(binding.FlagKey, binding.EnvVar); err != nil {
				return Error.Wrap(err)
			}
		}

		// Environment overrides lose to explicit flags but win over
		// defaults.
		var flagErr error
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed || !vip.IsSet(f.Name) {
				return
			}
			if err := f.Value.Set(vip.GetString(f.Name)); err != nil && flagErr == nil {
				flagErr = Error.New("invalid value for %q: %v", f.Name, err)
			}
		})
		if flagErr != nil {
			return flagErr
		}

		logger, err := NewLogger()
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _ = logger.Sync() }()
		defer zap.ReplaceGlobals(logger)()
		defer zap.RedirectStdLog(logger)()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signals)
		go func() {
			select {
			case sig := <-signals:
				logger.Info("received shutdown signal, draining", zap.String("signal", sig.String()))
				cancel()
			case <-ctx.Done():
			}
		}()

		mu.Lock()
		contexts[cmd] = ctx
		mu.Unlock()

		err = internalRun(cmd, args)
		if err != nil {
			logger.Error("command failed", zap.Error(err))
		}
		return err
	}
}
