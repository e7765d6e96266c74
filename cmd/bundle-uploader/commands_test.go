package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/currency"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/upload"
)

func TestParseTags(t *testing.T) {
	tags, err := parseTags([]string{"App-Name=uploader", "Empty=", "Eq=a=b"})
	if err != nil {
		t.Fatalf("parseTags: %v", err)
	}
	want := []arbundles.Tag{{Name: "App-Name", Value: "uploader"}, {Name: "Empty", Value: ""}, {Name: "Eq", Value: "a=b"}}
	if len(tags) != len(want) {
		t.Fatalf("got %d tags, want %d", len(tags), len(want))
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("tag %d = %+v, want %+v", i, tags[i], want[i])
		}
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseTags([]string{bad}); err == nil {
			t.Errorf("parseTags(%q) should fail", bad)
		}
	}
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"upload", "upload-dir", "bundle", "address"} {
		if _, ok := lookup(name); !ok {
			t.Errorf("command %q missing", name)
		}
	}
	if _, ok := lookup("deploy"); ok {
		t.Error("unknown command resolved")
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if err := run([]string{"deploy"}); err == nil {
		t.Error("expected error")
	}
}

func TestBundleRetriesSendTheSameWrapper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	owner, err := arbundles.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	eph, err := arbundles.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	member, err := upload.BuildItem(upload.String("file"), eph, arbundles.ItemOptions{})
	if err != nil {
		t.Fatal(err)
	}

	opts, err := bundleOptions(eph, false)
	if err != nil {
		t.Fatalf("bundleOptions: %v", err)
	}
	if len(opts.Upload.Anchor) != arbundles.AnchorSize || opts.EphemeralKey != eph {
		t.Fatalf("options not pinned: %+v", opts)
	}

	up := upload.New(upload.Config{BaseURL: srv.URL, ChunkThreshold: 1 << 20}, currency.New("arweave", owner), nil)
	members := []upload.Payload{upload.SignedItem{Item: member}}
	var ids []string
	for i := 0; i < 2; i++ {
		res, err := up.UploadBundle(context.Background(), members, opts)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		ids = append(ids, res.ID)
	}
	if ids[0] != ids[1] {
		t.Errorf("attempts produced different bundles: %v", ids)
	}
}
