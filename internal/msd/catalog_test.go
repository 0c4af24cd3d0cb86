package msd

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestCatalogListEmpty(t *testing.T) {
	c := NewCatalog(t.TempDir())
	images, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(images) != 0 {
		t.Errorf("List() = %v, want empty", images)
	}
}

func TestCatalogCreateListGetDelete(t *testing.T) {
	c := NewCatalog(t.TempDir())
	data := bytes.Repeat([]byte{0x42}, 4096)

	info, err := c.Create("test.iso", data)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Name != "test.iso" || info.Size != int64(len(data)) {
		t.Fatalf("Create() = %+v", info)
	}

	images, err := c.List()
	if err != nil || len(images) != 1 {
		t.Fatalf("List() = %v, %v", images, err)
	}

	got, err := c.Get(info.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "test.iso" {
		t.Errorf("Get() = %+v", got)
	}

	if err := c.Delete(info.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if images, _ := c.List(); len(images) != 0 {
		t.Errorf("List() after delete = %v, want empty", images)
	}
}

func TestCatalogCreateRejectsDuplicate(t *testing.T) {
	c := NewCatalog(t.TempDir())
	if _, err := c.Create("dup.iso", []byte("a")); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := c.Create("dup.iso", []byte("b")); err == nil {
		t.Fatal("expected second Create of the same name to fail")
	}
}

func TestCatalogCreateFromReader(t *testing.T) {
	c := NewCatalog(t.TempDir())
	content := bytes.Repeat([]byte("stream-"), 1000)
	info, err := c.CreateFromReader("streamed.img", bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("CreateFromReader: %v", err)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("CreateFromReader() size = %d, want %d", info.Size, len(content))
	}
	got, err := os.ReadFile(filepath.Join(c.ImagesPath(), "streamed.img"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("content mismatch after CreateFromReader")
	}
}

func TestCatalogUsedSpaceAndHasSpace(t *testing.T) {
	c := NewCatalog(t.TempDir())
	if _, err := c.Create("a.iso", make([]byte, 100)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := c.Create("b.iso", make([]byte, 200)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := c.UsedSpace(); got != 300 {
		t.Errorf("UsedSpace() = %d, want 300", got)
	}
	if !c.HasSpace(1024) {
		t.Error("HasSpace(1024) = false, want true")
	}
	if c.HasSpace(MaxImageSize + 1) {
		t.Error("HasSpace(MaxImageSize+1) = true, want false")
	}
}

func TestCatalogDownloadFromURL(t *testing.T) {
	content := bytes.Repeat([]byte("payload"), 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="downloaded.iso"`)
		io.Copy(w, bytes.NewReader(content))
	}))
	defer srv.Close()

	c := NewCatalog(t.TempDir())
	var progressCalls int
	info, err := c.DownloadFromURL(context.Background(), srv.URL, "", func(downloaded, total int64, hasTotal bool) {
		progressCalls++
	})
	if err != nil {
		t.Fatalf("DownloadFromURL: %v", err)
	}
	if info.Name != "downloaded.iso" {
		t.Errorf("DownloadFromURL() name = %q, want downloaded.iso", info.Name)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("DownloadFromURL() size = %d, want %d", info.Size, len(content))
	}
	if progressCalls == 0 {
		t.Error("expected at least one progress callback")
	}

	got, err := os.ReadFile(info.Path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("downloaded content mismatch")
	}
}

func TestCatalogDownloadFromURLCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0x00}, 64))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewCatalog(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	if _, err := c.DownloadFromURL(ctx, srv.URL, "cancelme.iso", nil); err == nil {
		t.Fatal("expected DownloadFromURL to fail when context is cancelled")
	}
}

func TestImageInfoSizeDisplay(t *testing.T) {
	info := ImageInfo{Size: 2 * 1024 * 1024 * 1024}
	if got := info.SizeDisplay(); got == "" {
		t.Error("SizeDisplay() = empty")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"test.iso":      "test.iso",
		"test/file.iso": "test_file.iso",
		".hidden.iso":   "hidden.iso",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
