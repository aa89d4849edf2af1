package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cyberus-technology/tpm12d/internal/config"
	"github.com/cyberus-technology/tpm12d/internal/state"
	"github.com/cyberus-technology/tpm12d/internal/store"
)

func newInitStateCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "init-state",
		Short: "Generate a fresh permanent state and flush it to the state directory",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("config"))
			if err != nil {
				return err
			}

			st, err := store.NewFileStore(afero.NewOsFs(), cfg.StateDir)
			if err != nil {
				return err
			}

			s, err := state.NewFresh(cfg)
			if err != nil {
				return err
			}
			if err := s.Flush(st); err != nil {
				return err
			}

			fmt.Printf("tpm12d: fresh state written to %s\n", cfg.StateDir)
			return nil
		},
	}
	return c
}
