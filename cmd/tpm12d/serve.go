package main

import (
	"encoding/binary"
	"io"
	"net"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cyberus-technology/tpm12d/internal/config"
	"github.com/cyberus-technology/tpm12d/internal/dispatcher"
	"github.com/cyberus-technology/tpm12d/internal/logging"
	"github.com/cyberus-technology/tpm12d/internal/platform"
	"github.com/cyberus-technology/tpm12d/internal/state"
	"github.com/cyberus-technology/tpm12d/internal/store"
)

func newServeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the emulator core, accepting framed requests over a Unix socket",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	return c
}

// runServe loads or bootstraps the emulator's persistent state, wires the
// core collaborators into a Dispatcher, and serves framed requests off a
// Unix socket. Per §5, the listener accepts one connection at a time and
// processes that connection's commands serially — this emulator core
// never runs two ordinals concurrently.
func runServe() error {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}

	log := logging.New()
	if viper.GetBool("debug") {
		log = log.WithField("debug", true)
	}

	nvStore, err := store.NewFileStore(afero.NewOsFs(), cfg.StateDir)
	if err != nil {
		return err
	}

	st, err := state.LoadFromStore(nvStore, cfg)
	if err != nil {
		log.Warnf("serve: no persisted state found, bootstrapping fresh: %v", err)
		st, err = state.NewFresh(cfg)
		if err != nil {
			return err
		}
		if err := st.Flush(nvStore); err != nil {
			return err
		}
	}

	plat := platform.NewStaticPlatform()
	d := dispatcher.New(st, nvStore, plat, cfg, log)

	_ = os.Remove(cfg.SocketPath)
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Infof("serve: listening on %s", cfg.SocketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		serveConn(d, conn, log, cfg.MaxFrameBytes)
	}
}

// serveConn serializes every command on conn through d until the peer
// disconnects or a framing error occurs, then closes conn. One connection
// at a time, one command at a time, per §5.
func serveConn(d *dispatcher.Dispatcher, conn net.Conn, log logging.Logger, maxFrameBytes int) {
	defer conn.Close()

	for {
		frame, err := readFrame(conn, maxFrameBytes)
		if err != nil {
			if err != io.EOF {
				log.WithField("remote", conn.RemoteAddr()).Warnf("serve: framing error: %v", err)
			}
			return
		}

		resp := d.Handle(frame)

		if _, err := conn.Write(resp); err != nil {
			log.WithField("remote", conn.RemoteAddr()).Warnf("serve: write error: %v", err)
			return
		}
	}
}

// readFrame reads one length-framed TPM request off r: the fixed 6-byte
// tag+paramSize header, then paramSize-6 further bytes of ordinal and
// command parameters, returning the whole frame for Dispatcher.Handle.
func readFrame(r io.Reader, maxFrameBytes int) ([]byte, error) {
	head := make([]byte, 6)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	paramSize := binary.BigEndian.Uint32(head[2:6])
	if paramSize < 6 || int(paramSize) > maxFrameBytes {
		return nil, io.ErrUnexpectedEOF
	}

	frame := make([]byte, paramSize)
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[6:]); err != nil {
		return nil, err
	}
	return frame, nil
}
