// Command livetorrentd runs a single live torrent session to completion
// (or until interrupted), reporting progress on stderr.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	livetorrent "github.com/dannyzb/livetorrent"
	"github.com/dannyzb/livetorrent/internal/metainfo"
	"github.com/dannyzb/livetorrent/internal/resumer"
	"github.com/dannyzb/livetorrent/version"
)

type args struct {
	Torrent        string `arg:"positional,required" help:"path to a .torrent file"`
	Dir            string `arg:"-d,--dir" default:"." help:"destination directory for downloaded files"`
	ResumeDB       string `arg:"--resume-db" help:"bbolt file tracking paused/resumed sessions; defaults to <dir>/.livetorrent-resume"`
	MaxActivePeers int64  `arg:"--max-peers" default:"128" help:"global concurrent peer-connection cap"`
	MetricsAddr    string `arg:"--metrics-addr" help:"if set, serve Prometheus metrics on this address (e.g. :9421)"`
	Debug          bool   `arg:"--debug" help:"enable lock-order debug assertions"`
}

func main() {
	defer envpprof.Stop()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	var a args
	arg.MustParse(&a)

	if a.Debug {
		livetorrent.EnableLockOrderDebug(true)
	}

	if err := run(a); err != nil {
		log.Default.WithDefaultLevel(log.Error).Printf("%v", err)
		os.Exit(1)
	}
}

func run(a args) error {
	data, err := os.ReadFile(a.Torrent)
	if err != nil {
		return fmt.Errorf("reading torrent file: %w", err)
	}
	mi, err := metainfo.Parse(data)
	if err != nil {
		return fmt.Errorf("parsing torrent file: %w", err)
	}

	resumeDBPath := a.ResumeDB
	if resumeDBPath == "" {
		resumeDBPath = filepath.Join(a.Dir, ".livetorrent-resume")
	}
	store, err := resumer.Open(resumeDBPath)
	if err != nil {
		return fmt.Errorf("opening resume database: %w", err)
	}
	defer store.Close()

	paused, err := store.Load(mi.InfoHash)
	if err != nil {
		return fmt.Errorf("loading resume snapshot: %w", err)
	}

	opts := livetorrent.DefaultSessionOptions()
	opts.MaxActivePeers = a.MaxActivePeers
	opts.Logger = log.Default

	var trackers []string
	for _, tier := range mi.AnnounceList {
		trackers = append(trackers, tier...)
	}

	pieceHashes := make([]metainfo.Hash, len(mi.Info.Pieces))
	copy(pieceHashes, mi.Info.Pieces)

	files := make([]livetorrent.FileSpec, len(mi.Info.Files))
	paths := make([]string, len(mi.Info.Files))
	for i, f := range mi.Info.Files {
		files[i] = livetorrent.FileSpec{Path: f.Path, Length: f.Length}
		paths[i] = filepath.Join(a.Dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(paths[i]), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", f.Path, err)
		}
	}

	if a.MetricsAddr != "" {
		opts.MetricsRegisterer = prometheus.DefaultRegisterer
		go serveMetrics(a.MetricsAddr)
	}

	info := livetorrent.SessionInfo{
		Name:        mi.Info.Name,
		InfoHash:    [20]byte(mi.InfoHash),
		PeerID:      randomPeerID(),
		Lengths:     livetorrent.Lengths{TotalLength: mi.Info.TotalLength, PieceLength: mi.Info.PieceLength, ChunkSize: 16 * 1024, NumPieces: mi.Info.NumPieces()},
		PieceHashes: pieceHashes,
		Files:       files,
		Trackers:    trackers,
		Options:     opts,
	}

	session, err := livetorrent.New(info, paths, paused)
	if err != nil {
		return fmt.Errorf("constructing session: %w", err)
	}
	session.Run()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Default.Printf("%s: downloading %d pieces into %s", info.Name, info.Lengths.NumPieces, a.Dir)

	err = session.WaitUntilCompleted(ctx)
	switch {
	case err == nil:
		log.Default.Printf("%s: download complete", info.Name)
	case ctx.Err() != nil:
		log.Default.Printf("%s: interrupted, pausing", info.Name)
		snap, pauseErr := session.Pause()
		if pauseErr != nil {
			return fmt.Errorf("pausing session: %w", pauseErr)
		}
		if saveErr := store.Save(snap); saveErr != nil {
			return fmt.Errorf("saving resume snapshot: %w", saveErr)
		}
	default:
		return fmt.Errorf("session failed: %w", err)
	}

	return session.Wait()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Default.WithDefaultLevel(log.Error).Printf("metrics server: %v", err)
	}
}

func randomPeerID() [20]byte {
	var id [20]byte
	copy(id[:], version.Bep20Prefix)
	_, _ = rand.Read(id[8:])
	return id
}
