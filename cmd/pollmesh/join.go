package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pollmesh/pollmesh/internal/mesh"
)

var joinFlags struct {
	relayURL  string
	room      string
	userID    string
	name      string
	endForAll bool
}

var joinCmd = &cobra.Command{
	Use:   "join --room <id>",
	Short: "Join a room as a mesh participant",
	Long:  `Joins a room through the relay and maintains peer connections to every other participant. Receive-only: no capture devices are attached.`,
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&joinFlags.relayURL, "relay-url", "http://127.0.0.1:8080", "base URL of the signaling relay")
	joinCmd.Flags().StringVar(&joinFlags.room, "room", "", "room id to join")
	joinCmd.Flags().StringVar(&joinFlags.userID, "user-id", "", "stable user id (generated when empty)")
	joinCmd.Flags().StringVar(&joinFlags.name, "name", "", "display name (petname when empty)")
	joinCmd.Flags().BoolVar(&joinFlags.endForAll, "end-for-all", false, "broadcast kick_all on exit, ending the session for every participant")
	_ = joinCmd.MarkFlagRequired("room")
}

func runJoin(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	userID := joinFlags.userID
	if userID == "" {
		userID = newUserID()
	}
	name := joinFlags.name
	if name == "" {
		name = petname.Generate(2, "-")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := mesh.NewClient(joinFlags.relayURL, nil)
	iceServers, err := client.ICEServers(ctx, userID)
	if err != nil {
		// The mesh can still form on host candidates inside one network.
		logger.Warn("fetching ice servers failed, continuing without", "err", err)
	}

	coord, err := mesh.NewCoordinator(mesh.Config{
		Client:     client,
		RoomID:     joinFlags.room,
		UserID:     userID,
		UserName:   name,
		ICEServers: iceServers,
		EndForAll:  joinFlags.endForAll,
		Logger:     logger,
		OnEvent:    logEvent(logger),
	})
	if err != nil {
		return err
	}

	logger.Info("joining room",
		"relay_url", joinFlags.relayURL,
		"room", joinFlags.room,
		"user_id", userID,
		"user_name", name,
		"end_for_all", joinFlags.endForAll,
	)
	return coord.Run(ctx)
}

func logEvent(logger *slog.Logger) func(mesh.Event) {
	return func(e mesh.Event) {
		switch e.Kind {
		case mesh.EventPeerAdded:
			logger.Info("peer joined", "peer", e.PeerID, "name", e.PeerName)
		case mesh.EventPeerConnected:
			logger.Info("peer connected", "peer", e.PeerID, "name", e.PeerName)
		case mesh.EventPeerRemoved:
			logger.Info("peer left", "peer", e.PeerID, "reason", e.Reason)
		case mesh.EventTrack:
			logger.Info("remote track", "peer", e.PeerID, "kind", e.Track.Kind().String())
		case mesh.EventSessionEnded:
			logger.Info("session ended", "reason", e.Reason)
		}
	}
}

// newUserID mints a user-<unix-ms>-<suffix> id, unique enough to never
// collide within a room while staying readable in logs.
func newUserID() string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("user-%d-%s", time.Now().UnixMilli(), suffix)
}
