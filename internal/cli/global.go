package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/forgeline/director/internal/client"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const defaultServerUrl = "http://localhost:3443"

type GlobalOptions struct {
	ConfigFilePath string
	ServerUrl      string
	Actor          string
}

func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		ConfigFilePath: client.DefaultConfigPath(),
	}
}

func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigFilePath, "config", "c", o.ConfigFilePath, "Path to the directorctl config file")
	fs.StringVarP(&o.ServerUrl, "server-url", "u", o.ServerUrl, "Address of the server, overrides the config file")
	fs.StringVar(&o.Actor, "actor", o.Actor, "Name recorded on stage transitions")
}

// Complete fills the server and actor from the config file when the flags leave them empty.
// A missing config file falls back to the local default server.
func (o *GlobalOptions) Complete(cmd *cobra.Command, args []string) error {
	if o.ServerUrl != "" && o.Actor != "" {
		return nil
	}

	cfg, err := client.ParseConfigFile(o.ConfigFilePath)
	switch {
	case err == nil:
		if o.ServerUrl == "" {
			o.ServerUrl = cfg.Service.Server
		}
		if o.Actor == "" {
			o.Actor = cfg.Service.Actor
		}
	case errors.Is(err, fs.ErrNotExist):
		if o.ServerUrl == "" {
			o.ServerUrl = defaultServerUrl
		}
	default:
		return fmt.Errorf("loading %s: %w", o.ConfigFilePath, err)
	}
	return nil
}

func (o *GlobalOptions) Validate(args []string) error {
	return (&client.Config{Service: client.Service{Server: o.ServerUrl}}).Validate()
}

func (o *GlobalOptions) Client() (*client.Client, error) {
	return client.NewFromConfig(&client.Config{Service: client.Service{Server: o.ServerUrl, Actor: o.Actor}})
}

// runOptions is the lifecycle every directorctl command follows.
type runOptions interface {
	Complete(cmd *cobra.Command, args []string) error
	Validate(args []string) error
	Run(cmd *cobra.Command, args []string) error
}

func runE(o runOptions) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := o.Complete(cmd, args); err != nil {
			return err
		}
		if err := o.Validate(args); err != nil {
			return err
		}
		return o.Run(cmd, args)
	}
}
