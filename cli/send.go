package cli

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"p2pdrop/models"
	"p2pdrop/relay"
)

func (a *app) sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <file>",
		Short: "Create a room and send a file to whoever joins it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("stat %q: %w", path, err)
			}
			if info.IsDir() {
				return fmt.Errorf("%q is a directory", path)
			}

			relayURL, err := a.resolveRelay(ctx)
			if err != nil {
				return err
			}
			client := relay.NewClient(relayURL)
			created, err := client.CreateRoom(ctx, models.FileMetadata{
				FileName: filepath.Base(path),
				FileSize: info.Size(),
				MimeType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
			})
			if err != nil {
				return fmt.Errorf("create room: %w", err)
			}
			signalingURL, err := client.SignalingURL(created.RoomID, models.RoleSender)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "Room:   %s\n", created.RoomID)
			fmt.Fprintf(a.out, "Share:  %s\n", created.URL)
			fmt.Fprintf(a.out, "Or run: p2pdrop receive %s --relay %s\n\n", created.RoomID, relayURL)

			result, err := a.runTransfer(ctx, transferPlan{
				role:         models.RoleSender,
				roomID:       created.RoomID,
				signalingURL: signalingURL,
				shareURL:     created.URL,
				sourcePath:   path,
			})
			if err != nil {
				return err
			}
			if result == nil {
				fmt.Fprintln(a.out, "Transfer cancelled")
				return nil
			}
			fmt.Fprintf(a.out, "Sent %s (%s)\n", result.Metadata.Name, humanBytes(result.Metadata.Size))
			return nil
		},
	}
}
