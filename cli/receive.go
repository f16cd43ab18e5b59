package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"p2pdrop/crypto"
	"p2pdrop/models"
	"p2pdrop/relay"
)

func (a *app) receiveCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "receive <room-id>",
		Short: "Join a room and receive its file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			roomID := args[0]

			relayURL, err := a.resolveRelay(ctx)
			if err != nil {
				return err
			}
			client := relay.NewClient(relayURL)
			info, err := client.GetRoom(ctx, roomID)
			if err != nil {
				return fmt.Errorf("look up room: %w", err)
			}
			signalingURL, err := client.SignalingURL(roomID, models.RoleReceiver)
			if err != nil {
				return err
			}
			if !info.SenderConnected {
				fmt.Fprintln(a.out, "Sender is not connected yet; waiting for it to join.")
			}
			fmt.Fprintf(a.out, "Receiving %s (%s)\n\n", info.Metadata.FileName, humanBytes(info.Metadata.FileSize))

			if outDir == "" {
				outDir = a.cfg.DownloadDir
			}
			result, err := a.runTransfer(ctx, transferPlan{
				role:         models.RoleReceiver,
				roomID:       roomID,
				signalingURL: signalingURL,
				downloadDir:  outDir,
			})
			if err != nil {
				return err
			}
			if result == nil {
				fmt.Fprintln(a.out, "Transfer cancelled")
				return nil
			}

			fmt.Fprintf(a.out, "Saved to %s\n", result.Path)
			if result.Metadata.Checksum != "" {
				fmt.Fprintf(a.out, "Digest:  %s\n", crypto.FormatDigest(result.Metadata.Checksum))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory to store the file (default from config)")
	return cmd
}
