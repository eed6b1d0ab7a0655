// Package main provides a command line tool for CRT-protocol macro
// keypad controllers: discovery, hot-plug watching, brightness and power
// control, key image upload and an input event monitor.
package main

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/openstreamdock/streamdock/devices"
	"github.com/openstreamdock/streamdock/dock"
	"github.com/openstreamdock/streamdock/watcher"
)

var (
	verbose bool
	serial  string

	rootCmd = &cobra.Command{
		Use:   "streamdockctl",
		Short: "Control CRT-protocol macro keypad controllers",
		Long: `streamdockctl drives USB-HID macro keypads with per-key displays:
it lists and watches devices, sets brightness, uploads key images and
prints edge-triggered input events.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&serial, "serial", "s", "", "Select a device by serial number")

	rootCmd.AddCommand(
		listCmd(),
		watchCmd(),
		brightnessCmd(),
		setImageCmd(),
		clearCmd(),
		inputCmd(),
		keepAliveCmd(),
		sleepCmd(),
		shutdownCmd(),
		resetCmd(),
	)
}

// pickDevice finds the first known device, or the one with the given
// serial when set, and returns it with its family profile.
func pickDevice() (dock.Descriptor, devices.Profile, error) {
	found, err := dock.List([]uint16{devices.MiraboxVendorID})
	if err != nil {
		return dock.Descriptor{}, devices.Profile{}, err
	}

	for _, desc := range found {
		if serial != "" && desc.Serial != serial {
			continue
		}
		profile, err := devices.Lookup(desc.VendorID, desc.ProductID)
		if err != nil {
			log.Debug().Err(err).Stringer("device", desc).Msg("Skipping unknown product")
			continue
		}
		return desc, profile, nil
	}

	return dock.Descriptor{}, devices.Profile{}, dock.ErrDeviceNotFound
}

// connect opens the selected device.
func connect() (*dock.Connection, devices.Profile, error) {
	desc, profile, err := pickDevice()
	if err != nil {
		return nil, devices.Profile{}, err
	}

	conn, err := profile.Connect(desc.Serial)
	if err != nil {
		return nil, devices.Profile{}, err
	}

	log.Debug().Str("profile", profile.Name).Str("serial", desc.Serial).Msg("Connected")
	return conn, profile, nil
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connected macro keypads",
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := dock.List([]uint16{devices.MiraboxVendorID})
			if err != nil {
				return err
			}

			for _, desc := range found {
				name := "unknown"
				if profile, err := devices.Lookup(desc.VendorID, desc.ProductID); err == nil {
					name = profile.Name
				}
				fmt.Printf("%04x:%04x  %-24s %s\n", desc.VendorID, desc.ProductID, name, desc.Serial)
			}

			if len(found) == 0 {
				log.Warn().Msg("No macro keypads found")
			}
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch for device connect/disconnect events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			queries := make([]watcher.Query, 0, len(devices.Profiles))
			for _, profile := range devices.Profiles {
				queries = append(queries, watcher.Query{
					VendorID:  profile.VendorID,
					ProductID: profile.ProductID,
				})
			}

			events, err := watcher.New().Watch(ctx, queries)
			if err != nil {
				return err
			}

			for ev := range events {
				switch ev.Type {
				case watcher.Connected:
					log.Info().Stringer("device", ev.Device).Msg("Connected")
				case watcher.Disconnected:
					log.Info().Stringer("device", ev.Device).Msg("Disconnected")
				}
			}
			return nil
		},
	}
}

func brightnessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "brightness <percent>",
		Short: "Set display brightness (0-100)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			percent, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid percentage %q: %w", args[0], err)
			}

			conn, _, err := connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			return conn.SetBrightness(percent)
		},
	}
}

func setImageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-image <key> <file>",
		Short: "Upload an image to a key's display",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return fmt.Errorf("invalid key index %q: %w", args[0], err)
			}

			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			img, _, err := image.Decode(f)
			if err != nil {
				return fmt.Errorf("failed to decode %s: %w", args[1], err)
			}

			conn, profile, err := connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.SetButtonImage(profile.DeviceKey(uint8(key)), profile.ImageFormat, img); err != nil {
				return err
			}

			return conn.Flush()
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [key]",
		Short: "Clear one key's display, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, profile, err := connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			if len(args) == 0 {
				return conn.ClearAllButtonImages()
			}

			key, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return fmt.Errorf("invalid key index %q: %w", args[0], err)
			}

			return conn.ClearButtonImage(profile.DeviceKey(uint8(key)))
		},
	}
}

func inputCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "input",
		Short: "Print input events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, profile, err := connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			reader := conn.Reader(profile.Classifier())

			for ctx.Err() == nil {
				updates, err := reader.Read(250 * time.Millisecond)
				if err != nil {
					return err
				}

				for _, update := range updates {
					switch update.Kind {
					case dock.ButtonDown:
						fmt.Printf("button %d down\n", update.Index)
					case dock.ButtonUp:
						fmt.Printf("button %d up\n", update.Index)
					case dock.EncoderDown:
						fmt.Printf("encoder %d down\n", update.Index)
					case dock.EncoderUp:
						fmt.Printf("encoder %d up\n", update.Index)
					case dock.EncoderTwist:
						fmt.Printf("encoder %d twist %+d\n", update.Index, update.Delta)
					}
				}
			}
			return nil
		},
	}
}

func keepAliveCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "keepalive",
		Short: "Send periodic keep-alive heartbeats until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, _, err := connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			limiter := rate.NewLimiter(rate.Every(interval), 1)
			for {
				if err := limiter.Wait(ctx); err != nil {
					return nil // interrupted
				}
				if err := conn.KeepAlive(); err != nil {
					return err
				}
				log.Debug().Msg("Sent keep-alive")
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Heartbeat interval")
	return cmd
}

func sleepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sleep",
		Short: "Put the device to sleep",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, _, err := connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			return conn.Sleep()
		},
	}
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Power the device down",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, _, err := connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			return conn.Shutdown()
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Restore full brightness and clear every key",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, _, err := connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			return conn.Reset()
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}
