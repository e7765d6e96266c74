package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/config"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/logging"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/publish"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/scheduler"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/source"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/storage"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/upload"
)

// parseTags turns repeated name=value flags into tags, keeping their order.
func parseTags(raw []string) ([]arbundles.Tag, error) {
	tags := make([]arbundles.Tag, 0, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("tag %q is not name=value", kv)
		}
		tags = append(tags, arbundles.Tag{Name: name, Value: value})
	}
	return tags, nil
}

func parseArgs(fs *pflag.FlagSet, args []string) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs.Args(), nil
}

func runUpload(ctx context.Context, cfg config.Config, args []string) error {
	fs := pflag.NewFlagSet("upload", pflag.ContinueOnError)
	receipt := fs.Bool("receipt", cfg.Upload.GetReceipt, "request a signed receipt from the node")
	force := fs.Bool("chunk", false, "send through the chunked path regardless of size")
	rawTags := fs.StringArray("tag", nil, "item tag as name=value (repeatable)")
	rest, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errors.New("upload takes exactly one FILE")
	}

	tags, err := parseTags(*rawTags)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(rest[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", rest[0], err)
	}

	e, err := newEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	item, err := upload.BuildItem(upload.RawBytes(data), e.signer, arbundles.ItemOptions{
		Tags: upload.WithContentType(tags, cfg.Upload.ContentType, rest[0], data),
	})
	if err != nil {
		return err
	}

	log := logging.Component("cli").With("item_id", item.ID(), "file", rest[0])
	res, err := e.uploader.UploadItem(ctx, upload.SignedItem{Item: item}, upload.UploadOptions{
		GetReceipt:    *receipt,
		ForceChunking: *force,
		Progress: func(p upload.ChunkProgress) {
			log.Info("chunk written", "chunk", p.Chunk, "written", p.Written, "total", p.Total)
		},
	})
	if err != nil {
		return err
	}

	out := struct {
		*upload.Result
		ReceiptURI string `json:"receiptUri,omitempty"`
	}{Result: res}
	if res.Receipt != nil {
		if ok, err := res.Receipt.Verify(); err != nil || !ok {
			log.Warn("receipt signature does not verify", "error", err)
		}
		uri, err := storage.WriteReceipt(ctx, e.archive, cfg.Currency.Name, res.Receipt)
		if err != nil {
			log.Warn("archive receipt failed", "error", err)
		}
		out.ReceiptURI = uri
	}
	return printJSON(out)
}

func runUploadDir(ctx context.Context, cfg config.Config, args []string) error {
	fs := pflag.NewFlagSet("upload-dir", pflag.ContinueOnError)
	index := fs.String("index", "", "path inside DIR served for the manifest root")
	force := fs.Bool("force", false, "ignore the checkpoint and upload every file")
	receipt := fs.Bool("receipt", cfg.Upload.GetReceipt, "request and archive a receipt per file")
	rawTags := fs.StringArray("tag", nil, "tag added to every file item as name=value (repeatable)")
	rest, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(rest) > 1 {
		return errors.New("upload-dir takes at most one DIR")
	}
	tags, err := parseTags(*rawTags)
	if err != nil {
		return err
	}

	srcCfg := source.SourceConfig{
		Mode:          cfg.Source.Mode,
		BucketURL:     cfg.Source.BucketURL,
		Prefix:        cfg.Source.Prefix,
		Decompress:    cfg.Source.Decompress,
		IncludeHidden: cfg.Source.IncludeHidden,
	}
	if len(rest) == 1 {
		srcCfg.Mode = "local"
		srcCfg.Dir = rest[0]
	}
	if srcCfg.Mode != "bucket" && srcCfg.Dir == "" {
		return errors.New("upload-dir needs a DIR or source.mode=bucket")
	}
	src, err := source.NewSource(ctx, srcCfg)
	if err != nil {
		return err
	}
	defer src.Close()

	e, err := newEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	cps, err := e.checkpoints()
	if err != nil {
		return err
	}
	catalog, err := e.catalog(ctx)
	if err != nil {
		return err
	}

	batch := e.batchOptions()
	batch.Progress = func(msg string) error {
		fmt.Fprintln(os.Stderr, msg)
		return nil
	}
	p, err := publish.New(publish.Config{
		ContentType: cfg.Upload.ContentType,
		GetReceipt:  *receipt,
		Tags:        tags,
		Batch:       batch,
	}, publish.Deps{
		Uploader:    e.uploader,
		Source:      src,
		Archive:     e.archive,
		Checkpoints: cps,
		Catalog:     catalog,
		Audit:       e.auditEmitter(),
	})
	if err != nil {
		return err
	}

	report, err := p.Run(ctx, publish.Request{IndexFile: filepath.ToSlash(*index), Force: *force})
	if report != nil {
		printJSON(dirSummary(report))
	}
	return err
}

type dirOutput struct {
	BatchID     string            `json:"batchId"`
	Root        string            `json:"root"`
	ManifestID  string            `json:"manifestId,omitempty"`
	ManifestURI string            `json:"manifestUri,omitempty"`
	AuditHash   string            `json:"auditHash,omitempty"`
	Uploaded    map[string]string `json:"uploaded"`
	Skipped     int               `json:"skipped"`
	Errors      []string          `json:"errors,omitempty"`
	Aborted     bool              `json:"aborted,omitempty"`
}

func dirSummary(r *publish.Report) dirOutput {
	out := dirOutput{
		BatchID:     r.BatchID,
		Root:        r.Root,
		ManifestID:  r.ManifestID,
		ManifestURI: r.ManifestURI,
		AuditHash:   r.AuditHash,
		Uploaded:    make(map[string]string, len(r.Uploaded)),
		Skipped:     r.Skipped,
		Aborted:     r.Aborted,
	}
	for _, f := range r.Uploaded {
		out.Uploaded[f.Path] = f.ID
	}
	for _, err := range r.Errors {
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}

func runBundle(ctx context.Context, cfg config.Config, args []string) error {
	fs := pflag.NewFlagSet("bundle", pflag.ContinueOnError)
	saveKey := fs.String("save-key", "", "write the ephemeral key seed (hex) to this file")
	receipt := fs.Bool("receipt", cfg.Upload.GetReceipt, "request a signed receipt for the bundle")
	rest, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return errors.New("bundle needs at least one FILE")
	}

	eph, err := arbundles.GenerateKeypair()
	if err != nil {
		return err
	}
	members := make([]upload.Payload, len(rest))
	for i, name := range rest {
		data, err := os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		it, err := upload.BuildItem(upload.RawBytes(data), eph, arbundles.ItemOptions{
			Tags: upload.WithContentType(nil, cfg.Upload.ContentType, name, data),
		})
		if err != nil {
			return err
		}
		members[i] = upload.SignedItem{Item: it}
	}

	e, err := newEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	bopts, err := bundleOptions(eph, *receipt)
	if err != nil {
		return err
	}

	// A bundle is one upload; the scheduler supplies retry and the funds stop.
	opts := e.batchOptions()
	opts.Operation = "bundle"
	out := scheduler.Run(ctx, [][]upload.Payload{members}, func(ctx context.Context, items []upload.Payload, _ int) (*upload.BundleResult, error) {
		return e.uploader.UploadBundle(ctx, items, bopts)
	}, opts)
	if len(out.Errors) > 0 {
		return out.Errors[0]
	}
	if len(out.Results) == 0 {
		return ctx.Err()
	}
	res := out.Results[0].Res

	if *saveKey != "" {
		if err := os.WriteFile(*saveKey, []byte(hex.EncodeToString(eph.Seed())+"\n"), 0600); err != nil {
			return fmt.Errorf("save ephemeral key: %w", err)
		}
		slog.Info("ephemeral key saved", "component", "cli", "path", *saveKey)
	}

	return printJSON(struct {
		ID               string          `json:"id"`
		EphemeralAddress string          `json:"ephemeralAddress"`
		TxIDs            []string        `json:"txIds"`
		Receipt          *upload.Receipt `json:"receipt,omitempty"`
	}{res.ID, res.EphemeralAddress, res.TxIDs, res.Receipt})
}

// bundleOptions pins the key and the wrapper's anchor for the whole command,
// so every retry sends the same wrapper item.
func bundleOptions(eph *arbundles.Ed25519Signer, getReceipt bool) (upload.BundleOptions, error) {
	anchor, err := upload.NewAnchor()
	if err != nil {
		return upload.BundleOptions{}, err
	}
	return upload.BundleOptions{
		EphemeralKey: eph,
		Upload:       upload.UploadOptions{GetReceipt: getReceipt, Anchor: anchor},
	}, nil
}

func runAddress(_ context.Context, cfg config.Config, args []string) error {
	if len(args) != 0 {
		return errors.New("address takes no arguments")
	}
	signer, err := loadSigner(cfg)
	if err != nil {
		return err
	}
	fmt.Println(arbundles.Address(signer.PublicKey()))
	return nil
}
