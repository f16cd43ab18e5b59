package cli

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"p2pdrop/discovery"
	"p2pdrop/relay"
)

const defaultListenAddr = ":3001"

type relayFlags struct {
	listen        string
	publicURL     string
	roomTTL       time.Duration
	grace         time.Duration
	sweepInterval time.Duration
	advertise     bool
}

func (a *app) relayCmd() *cobra.Command {
	var flags relayFlags
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runRelay(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.listen, "listen", defaultListenAddr, "address to listen on")
	cmd.Flags().StringVar(&flags.publicURL, "public-url", "", "base URL used in share links (default: request origin)")
	cmd.Flags().DurationVar(&flags.roomTTL, "room-ttl", relay.DefaultRoomTTL, "how long a room lives after creation")
	cmd.Flags().DurationVar(&flags.grace, "grace", relay.DefaultGracePeriod, "how long an empty room survives before deletion")
	cmd.Flags().DurationVar(&flags.sweepInterval, "sweep-interval", relay.DefaultSweepInterval, "how often expired rooms are swept")
	cmd.Flags().BoolVar(&flags.advertise, "advertise", false, "advertise the relay on the local network via mDNS")
	return cmd
}

func (a *app) runRelay(ctx context.Context, flags relayFlags) error {
	logger := logrus.WithField("component", "relay")
	opts := relay.ServerOptions{
		ListenAddr: flags.listen,
		PublicURL:  flags.publicURL,
		Registry: relay.RegistryOptions{
			RoomTTL:       flags.roomTTL,
			GracePeriod:   flags.grace,
			SweepInterval: flags.sweepInterval,
		},
		Logger: logger,
	}

	if flags.advertise {
		instance := a.cfg.DeviceName
		if instance == "" {
			instance, _ = os.Hostname()
		}
		opts.Advertise = func(ctx context.Context, port int) error {
			logger.WithField("port", port).Info("Advertising relay via mDNS")
			return discovery.Advertise(ctx, discovery.Config{
				InstanceName: instance,
				RelayID:      a.cfg.DeviceID,
			}, port)
		}
	}

	logger.WithFields(logrus.Fields{
		"listen":   flags.listen,
		"room_ttl": flags.roomTTL,
		"grace":    flags.grace,
	}).Info("Starting relay")
	return relay.NewServer(opts).Run(ctx)
}
