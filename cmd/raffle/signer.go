package main

import (
	"github.com/spf13/cobra"

	"raffleBridge/internal/signer"
)

func newSignerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signer",
		Short: "Connect the configured signer and describe it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			out := map[string]interface{}{"kind": "none"}
			if active, ok := s.env.Signers.Active(); ok {
				desc, err := signer.Describe(active)
				if err != nil {
					return err
				}
				for k, v := range desc {
					out[k] = v
				}
			}
			info, ok, err := s.env.Signers.SavedSession(s.ctx)
			if err != nil {
				return err
			}
			if ok {
				out["savedSession"] = info
			}
			return s.print(out)
		},
	}
}
