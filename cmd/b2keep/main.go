// cmd/b2keep/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// b2keep packages local directories ("volumes") into monthly tar.gz
// archives, splits and encrypts them into fixed-size authenticated
// parts, uploads the parts to a remote object store during an off-peak
// window, and deletes local copies only after verifying that everything
// arrived.

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/b2keep/b2keep/archive"
	"github.com/b2keep/b2keep/chunk"
	"github.com/b2keep/b2keep/config"
	"github.com/b2keep/b2keep/parity"
	"github.com/b2keep/b2keep/remote"
	"github.com/b2keep/b2keep/transfer"
	u "github.com/b2keep/b2keep/util"
)

var log *u.Logger

func usage() {
	fmt.Printf("usage: b2keep [--config file] [--verbose] [--debug] <command>\n\n")
	fmt.Printf("commands:\n")
	fmt.Printf("  backup      archive, encrypt, upload, then verify and clean up\n")
	fmt.Printf("  archive     create the tar.gz archives only\n")
	fmt.Printf("  encrypt     split and encrypt the archives into parts\n")
	fmt.Printf("  upload      upload the encrypted parts\n")
	fmt.Printf("  verify      verify uploads; prune local and expired remote data\n")
	fmt.Printf("  decrypt     reassemble the archives from local parts\n")
	fmt.Printf("  restore     decrypt and then unpack the archives\n")
	fmt.Printf("  check       check parity-protected parts [--repair]\n")
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "config.yaml", "configuration file")
	verbose := flag.Bool("verbose", false, "verbose output")
	debug := flag.Bool("debug", false, "debugging output")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	log = u.NewLogger(*verbose || cfg.Verbose, *debug || cfg.Debug)
	chunk.SetLogger(log)
	remote.SetLogger(log)
	transfer.SetLogger(log)
	archive.SetLogger(log)

	remote.InitBandwidthLimit(cfg.MaxUploadBytesPerSecond)

	now := time.Now()
	period := chunk.PeriodTag(now)
	cutoff := chunk.RetirePeriodTag(now, cfg.RetainWeeks)

	switch flag.Arg(0) {
	case "backup":
		log.Banner("Monthly archival backup.")
		createArchives(cfg, period)
		encryptArchives(cfg, period)
		uploadParts(cfg, period)
		verifyAndCleanup(cfg, period, cutoff)
	case "archive":
		createArchives(cfg, period)
	case "encrypt":
		encryptArchives(cfg, period)
	case "upload":
		uploadParts(cfg, period)
	case "verify":
		verifyAndCleanup(cfg, period, cutoff)
	case "decrypt":
		decryptArchives(cfg, period)
	case "restore":
		decryptArchives(cfg, period)
		unpackArchives(cfg, period)
	case "check":
		checkParity(cfg, flag.Args()[1:])
	default:
		usage()
	}

	if log.NErrors > 0 {
		os.Exit(1)
	}
}

func newStore(cfg *config.Config) remote.Store {
	switch cfg.Remote {
	case "gcs":
		return remote.NewGCS(remote.GCSOptions{
			BucketName: cfg.GCS.Bucket,
			ProjectId:  cfg.GCS.Project,
			Location:   cfg.GCS.Location,
		})
	default:
		return remote.NewB2(remote.B2Options{
			KeyID:    cfg.B2.KeyID,
			Key:      cfg.B2.Key,
			BucketID: cfg.B2.BucketID,
		})
	}
}

func newCodec(cfg *config.Config) *chunk.Codec {
	return &chunk.Codec{
		Dir:      cfg.BackupDirectory,
		PartSize: cfg.PartSize,
		Key:      cfg.Key(),
	}
}

func createArchives(cfg *config.Config, period string) {
	log.Banner("Archiving volumes.")
	for _, volume := range cfg.Volumes {
		log.Print("Archiving volume: %s", volume)
		if err := archive.Create(cfg.BackupDirectory, period, volume); err != nil {
			log.Error("%s: %s", volume, err)
		}
	}

	log.Print("List local archived volumes.")
	names, err := archive.List(cfg.BackupDirectory, cfg.Volumes)
	log.CheckError(err)
	for _, name := range names {
		log.Print("%s", name)
	}
}

func encryptArchives(cfg *config.Config, period string) {
	log.Banner("Encrypting volumes.")
	codec := newCodec(cfg)

	for _, volume := range cfg.Volumes {
		path := filepath.Join(cfg.BackupDirectory, chunk.ArchiveName(period, volume))
		f, err := os.Open(path)
		if err != nil {
			log.Error("%s: %s", path, err)
			continue
		}

		r := &u.ReportingReader{R: f, Msg: volume}
		n, err := codec.Encode(r, period, volume)
		r.Close()
		if err != nil {
			log.Error("%s: %s", volume, err)
			continue
		}
		log.Print("%s: encrypted into %d parts", volume, n)

		if cfg.ProtectParts {
			protectParts(cfg, period, volume)
		}
	}

	log.Print("List local encrypted volumes.")
	for _, volume := range cfg.Volumes {
		parts, err := chunk.ListParts(cfg.BackupDirectory, period, volume)
		log.CheckError(err)
		for _, p := range parts {
			log.Print("%s", p.Name())
		}
	}
}

func protectParts(cfg *config.Config, period, volume string) {
	parts, err := chunk.ListParts(cfg.BackupDirectory, period, volume)
	log.CheckError(err)
	for _, p := range parts {
		path := chunk.PartPath(cfg.BackupDirectory, p)
		if err := parity.Protect(path, path+".rs", 17, 3, 1024*1024); err != nil {
			log.Error("%s: %s", path, err)
		}
	}
}

func uploadParts(cfg *config.Config, period string) {
	log.Banner("Uploading volumes.")
	store := newStore(cfg)

	session, err := store.Authorize()
	if err != nil {
		log.Fatal("%s", err)
	}
	log.Print("Authorized account with %s.", store)

	sched := &transfer.Scheduler{
		Window: transfer.Window{
			BeginHour: cfg.ActivePeriodBeginHour,
			EndHour:   cfg.ActivePeriodEndHour,
		},
		Estimate:     time.Duration(cfg.EstimatedUploadMinutes) * time.Minute,
		DisablePause: cfg.DisablePause,
	}
	up := transfer.NewUploader(store, &session, sched, transfer.UploadConfig{
		Dir:             cfg.BackupDirectory,
		Attempts:        cfg.UploadAttempts,
		BackoffModifier: time.Duration(cfg.BackoffModifierSeconds) * time.Second,
	})

	result := up.UploadAll(period, cfg.Volumes)
	if !result.Ok() {
		for _, p := range result.Failed {
			log.Warning("%s: not uploaded", p.Name())
		}
	}
}

func verifyAndCleanup(cfg *config.Config, period, cutoff string) {
	log.Banner("Verifying uploaded volumes.")
	store := newStore(cfg)

	session, err := store.Authorize()
	if err != nil {
		log.Fatal("%s", err)
	}

	verifier := transfer.NewVerifier(store, &session, cfg.BackupDirectory)
	retention := transfer.NewRetention(store, &session, cfg.BackupDirectory)

	if verifier.VerifyAll(period, cfg.Volumes) {
		retention.PruneCurrent(period, cfg.Volumes)
	} else {
		log.Warning("Failed to verify all uploaded files.  " +
			"Not deleting local archive file parts.")
	}

	retention.PruneOldRemote(cutoff, cfg.Volumes)
	retention.PruneOldLocal(cutoff, cfg.Volumes)
}

func decryptArchives(cfg *config.Config, period string) {
	log.Banner("Decrypting volumes.")
	codec := newCodec(cfg)

	for _, volume := range cfg.Volumes {
		path := filepath.Join(cfg.BackupDirectory, chunk.ArchiveName(period, volume))
		// Reconstruction appends, so clear out any previous attempt
		// first.
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			log.Error("%s: %s", path, err)
			continue
		}

		n, err := codec.Decode(f, period, volume)
		log.CheckError(f.Close())
		if err != nil {
			log.Error("%s: %s", volume, err)
			continue
		}
		log.Print("%s: reassembled from %d parts", volume, n)
	}
}

func unpackArchives(cfg *config.Config, period string) {
	log.Banner("Unpacking volumes.")
	for _, volume := range cfg.Volumes {
		path := filepath.Join(cfg.BackupDirectory, chunk.ArchiveName(period, volume))
		if err := archive.Extract(path, cfg.BackupDirectory); err != nil {
			log.Error("%s: %s", path, err)
		}
	}
}

func checkParity(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	repair := fs.Bool("repair", false, "attempt to rebuild damaged files")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	entries, err := os.ReadDir(cfg.BackupDirectory)
	log.CheckError(err)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rs") {
			continue
		}
		fn := filepath.Join(cfg.BackupDirectory,
			strings.TrimSuffix(e.Name(), ".rs"))
		rsfn := fn + ".rs"

		var cerr error
		if *repair {
			cerr = parity.Restore(fn, rsfn, log)
		} else {
			cerr = parity.Check(fn, rsfn, log)
		}
		if cerr != nil {
			log.Error("%s: %s", fn, cerr)
		}
	}
}
