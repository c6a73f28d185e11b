package gateway

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/devolutions/gateway-go/internal/pcaptap"
	"github.com/devolutions/gateway-go/internal/shutdown"
	"github.com/devolutions/gateway-go/internal/splice"
	"github.com/devolutions/gateway-go/internal/token"
)

// runSpliceSession implements the glue spec.md §5 describes as
// "register happens-before any forwarded byte; deregister happens-after
// every forwarded byte in both directions": it registers the session,
// runs the splice (optionally tapped for PCAP capture), then always
// deregisters, regardless of how the splice ended. Both a and b are
// closed before returning.
func (s *Server) runSpliceSession(ctx context.Context, claims token.Claims, a, b io.ReadWriteCloser, target string) {
	defer a.Close()
	defer b.Close()

	disconnectInterest := claims.Reuse == token.ReuseForbidden

	rec, err := s.sessions.Register(claims.AssociationID, claims.AppProtocol, claims.Mode, claims.TTL, claims.JTI, disconnectInterest)
	if err != nil {
		s.log.Warn().Err(err).Stringer("session", claims.AssociationID).Msg("session already registered")
		return
	}
	defer s.sessions.Deregister(claims.AssociationID)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-rec.Done():
			cancel()
		case <-sctx.Done():
		}
	}()

	opts := splice.Options{BufferSize: s.cfg.SpliceBufferSize}

	var tap *splice.ChannelTap
	var pcapFile *os.File
	if s.cfg.EnablePCAPTap {
		tap = splice.NewChannelTap(pcapTapCapacity)
		opts.Tap = tap

		writer, f, err := s.newPCAPWriter(claims)
		if err != nil {
			s.log.Warn().Err(err).Msg("pcap tap: could not open capture file")
			tap = nil
			opts.Tap = nil
		} else {
			pcapFile = f
			go writer.Run(tap)
		}
	}

	res := splice.Run(sctx, a, b, opts)
	if tap != nil {
		tap.Stop()
	}
	if pcapFile != nil {
		s.finishPCAP(pcapFile, claims.AssociationID)
	}

	logLevel := s.log.Debug()
	if shutdown.Classify(res.ErrAtoB) == shutdown.KindFailure || shutdown.Classify(res.ErrBtoA) == shutdown.KindFailure {
		logLevel = s.log.Warn()
	}
	logLevel.
		Stringer("session", claims.AssociationID).
		Str("target", target).
		Int64("bytes_a_to_b", res.BytesAtoB).
		Int64("bytes_b_to_a", res.BytesBtoA).
		AnErr("err_a_to_b", res.ErrAtoB).
		AnErr("err_b_to_a", res.ErrBtoA).
		Msg("session ended")
}

// pcapTapCapacity bounds the tap's channel; overflow silently ends the
// tap (never the splice), per spec.md §4.7.
const pcapTapCapacity = 256

func (s *Server) newPCAPWriter(claims token.Claims) (*pcaptap.Writer, *os.File, error) {
	path := filepath.Join(s.cfg.PCAPDir, fmt.Sprintf("%s.pcap", claims.AssociationID))
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	w, err := pcaptap.NewWriter(f, string(claims.AppProtocol), s.log)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return w, f, nil
}

// finishPCAP closes the capture file and, if an archive uploader is
// configured, ships the bytes to blob storage best-effort: a capture that
// can't be uploaded is logged, never propagated, since it is a
// side-channel and must never affect a session already torn down.
func (s *Server) finishPCAP(f *os.File, sessionID uuid.UUID) {
	name := f.Name()
	f.Close()

	if s.archiveUploader == nil {
		return
	}

	data, err := os.ReadFile(name)
	if err != nil {
		s.log.Warn().Err(err).Str("path", name).Msg("pcap archive: could not read capture back")
		return
	}
	if err := s.archiveUploader.Upload(sessionID, data); err != nil {
		s.log.Warn().Err(err).Stringer("session", sessionID).Msg("pcap archive: upload failed")
	}
}
