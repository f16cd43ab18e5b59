package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"p2pdrop/relay"
)

func (a *app) roomCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "room <room-id>",
		Short: "Show a room's file and who is connected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			relayURL, err := a.resolveRelay(cmd.Context())
			if err != nil {
				return err
			}
			info, err := relay.NewClient(relayURL).GetRoom(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("look up room: %w", err)
			}

			fmt.Fprintf(a.out, "File:      %s\n", info.Metadata.FileName)
			fmt.Fprintf(a.out, "Size:      %s\n", humanBytes(info.Metadata.FileSize))
			if info.Metadata.MimeType != "" {
				fmt.Fprintf(a.out, "Type:      %s\n", info.Metadata.MimeType)
			}
			fmt.Fprintf(a.out, "Sender:    %s\n", presence(info.SenderConnected))
			fmt.Fprintf(a.out, "Receiver:  %s\n", presence(info.ReceiverConnected))
			return nil
		},
	}
}

func presence(connected bool) string {
	if connected {
		return "connected"
	}
	return "not connected"
}
