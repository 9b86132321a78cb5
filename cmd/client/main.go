package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cormorant-labs/chunkxfer/internal/observability"
	"github.com/cormorant-labs/chunkxfer/internal/quicutil"
	"github.com/cormorant-labs/chunkxfer/internal/transport"
	"github.com/cormorant-labs/chunkxfer/internal/validation"
	"github.com/cormorant-labs/chunkxfer/internal/wire"
	"github.com/cormorant-labs/chunkxfer/internal/xfile"
)

const alpn = "chunkxfer-quic"

var (
	addr          string
	filePath      string
	remotePath    string
	chunkSize     uint64
	backupSuffix  string
	backupExisted bool
)

func main() {
	flag.StringVar(&addr, "addr", "", "server address (host:port)")
	flag.StringVar(&filePath, "file", "", "local file path to upload")
	flag.StringVar(&remotePath, "remote-path", "", "destination path on the server (defaults to the file's base name)")
	flag.Uint64Var(&chunkSize, "chunk-size", xfile.DefaultChunkSize, "chunk size in bytes")
	flag.BoolVar(&backupExisted, "backup-existing", false, "back up an existing file at the destination before replacing it")
	flag.StringVar(&backupSuffix, "backup-suffix", wire.DefaultBackupSuffix, "suffix appended to the backup of a replaced file")
	flag.Parse()

	if filePath == "" || addr == "" {
		fmt.Fprintln(os.Stderr, "Usage: client -addr host:port -file <path> [-remote-path <path>] [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if err := validation.ValidateFilePath(filePath, true); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if remotePath == "" {
		remotePath = filepath.Base(filePath)
	}

	logger := observability.NewLogger("chunkxfer-client", "1.0.0", os.Stdout)
	if shutdown, err := observability.InitTracing(context.Background(), "chunkxfer-client"); err == nil {
		defer shutdown(context.Background())
	}

	if err := upload(); err != nil {
		logger.Error(err, "upload failed")
		os.Exit(1)
	}
	logger.Info("upload complete: " + filePath + " -> " + remotePath)
}

func upload() error {
	tlsConfig := quicutil.MakeClientTLSConfig()
	tlsConfig.NextProtos = []string{alpn}

	ctx := context.Background()
	peer, err := transport.Dial(ctx, addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer peer.Close()

	opts := wire.Options{ChunkSize: &chunkSize}
	if backupExisted {
		opts.BackupExisting = &backupSuffix
	}

	return xfile.Send(peer, filePath, remotePath, chunkSize, opts)
}
