package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// Deliverer hands a generated document to the user
type Deliverer interface {
	Stream(ctx context.Context, s Stream) error
	Redirect(ctx context.Context, r Redirect) error
}

// DeliverStream hands an inline document to d
func DeliverStream(ctx context.Context, d Deliverer, s Stream) error {
	if s.Filename == "" {
		s.Filename = PDFFilename
	}
	if s.ContentType == "" {
		s.ContentType = PDFContentType
	}
	return d.Stream(ctx, s)
}

// DeliverRedirect points d at the document's retrieval URL
func DeliverRedirect(ctx context.Context, d Deliverer, r Redirect) error {
	if r.URL == "" {
		return errors.New("redirect without url")
	}
	if r.Target == "" {
		r.Target = TargetNewContext
	}
	return d.Redirect(ctx, r)
}

// Deliver dispatches on the delivery mode
func Deliver(ctx context.Context, d Deliverer, delivery Delivery) error {
	switch v := delivery.(type) {
	case Stream:
		return DeliverStream(ctx, d, v)
	case Redirect:
		return DeliverRedirect(ctx, d, v)
	}
	return fmt.Errorf("unknown delivery %T", delivery)
}

// HTTPDeliverer writes deliveries to an HTTP response: streams as attachment
// downloads, redirects as a 200 JSON body naming the URL and its target.
// No Location header is set, so clients open the URL in the named target
// instead of following it in place.
type HTTPDeliverer struct {
	W http.ResponseWriter
}

// Stream implements Deliverer
func (h HTTPDeliverer) Stream(ctx context.Context, s Stream) error {
	h.W.Header().Set("Content-Type", s.ContentType)
	h.W.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", s.Filename))
	h.W.Header().Set("Content-Length", fmt.Sprintf("%d", len(s.Body)))
	h.W.WriteHeader(http.StatusOK)
	_, err := h.W.Write(s.Body)
	return err
}

// Redirect implements Deliverer
func (h HTTPDeliverer) Redirect(ctx context.Context, r Redirect) error {
	h.W.Header().Set("Content-Type", "application/json")
	h.W.WriteHeader(http.StatusOK)
	return json.NewEncoder(h.W).Encode(map[string]string{"url": r.URL, "target": r.Target})
}

// FileDeliverer writes streams into Dir and prints redirect URLs to Out
type FileDeliverer struct {
	Dir string
	Out io.Writer

	// Path is set to the written file after a successful Stream
	Path string
}

// Stream implements Deliverer. The file appears atomically: it is written
// to a temp file in Dir and renamed.
func (f *FileDeliverer) Stream(ctx context.Context, s Stream) error {
	dir := f.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(s.Body); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close report: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(dir, filepath.Base(s.Filename))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move report into place: %w", err)
	}
	committed = true
	f.Path = path

	if f.Out != nil {
		fmt.Fprintln(f.Out, path)
	}
	return nil
}

// Redirect implements Deliverer
func (f *FileDeliverer) Redirect(ctx context.Context, r Redirect) error {
	out := f.Out
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintln(out, r.URL)
	return err
}
