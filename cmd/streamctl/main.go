// Command streamctl is a thin harness exercising the streaming engine end
// to end, grounded on the teacher's dash/dash.go command: open a manifest
// and either list its Representations or pipe one Representation's decoded
// bytes to stdout. ABR selection, rendering and disk caching of segments
// are deliberately left to whatever consumes streamctl's output.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"41.neocities.org/stream/drm"
	"41.neocities.org/stream/fetch"
	"41.neocities.org/stream/internal/dash"
	"41.neocities.org/stream/internal/hls"
	"41.neocities.org/stream/pipeline"
	"41.neocities.org/stream/tree"
)

func main() {
	log.SetFlags(log.Ltime)
	if err := (&command{}).run(); err != nil {
		log.Fatal(err)
	}
}

type command struct {
	address        string
	representation string
	clientIDPath   string
	privateKeyPath string
	licenseURL     string
}

func (c *command) run() error {
	flag.StringVar(&c.address, "a", "", "manifest URL")
	flag.StringVar(&c.representation, "r", "", "Representation ID to stream to stdout (omit to list)")
	flag.StringVar(&c.clientIDPath, "client-id", "", "path to a Widevine client ID blob (enables decryption)")
	flag.StringVar(&c.privateKeyPath, "private-key", "", "path to the matching Widevine device private key (PEM)")
	flag.StringVar(&c.licenseURL, "license-url", "", "Widevine license server URL")
	flag.Parse()

	if c.address == "" {
		flag.Usage()
		return nil
	}

	ctx := context.Background()
	fetcher := fetch.New()
	t, err := openManifest(ctx, fetcher, c.address)
	if err != nil {
		return err
	}
	if c.clientIDPath != "" {
		if err := c.configureWidevine(t); err != nil {
			return fmt.Errorf("streamctl: configure widevine: %w", err)
		}
	}

	if c.representation == "" {
		printStreams(t)
		return nil
	}
	return streamRepresentation(ctx, t, fetcher, c.representation)
}

// configureWidevine wires a drm.WidevineDecrypter onto t from CLI-supplied
// credential files, grounded on the teacher's Config.widevineKey (which read
// the same ClientId/PrivateKey file pair before building a license request).
func (c *command) configureWidevine(t *tree.Tree) error {
	clientID, err := os.ReadFile(c.clientIDPath)
	if err != nil {
		return err
	}
	privateKey, err := os.ReadFile(c.privateKeyPath)
	if err != nil {
		return err
	}
	send := func(request []byte) ([]byte, error) {
		return postLicenseRequest(c.licenseURL, request)
	}
	t.SetDecrypter(drm.NewWidevineDecrypter(clientID, privateKey, send))
	return nil
}

// postLicenseRequest sends a signed Widevine license request to url and
// returns the raw response body, the transport half of FetchKey's CDM
// exchange (the teacher's drm.go left this to the caller too).
func postLicenseRequest(url string, request []byte) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("streamctl: -license-url is required with -client-id")
	}
	resp, err := http.Post(url, "application/octet-stream", bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("streamctl: license server returned %s", resp.Status)
	}
	return body, nil
}

func openManifest(ctx context.Context, fetcher *fetch.Client, address string) (*tree.Tree, error) {
	if strings.Contains(address, ".mpd") {
		return dash.Open(ctx, fetcher, address, "")
	}
	return hls.Open(ctx, fetcher, address, "")
}

func printStreams(t *tree.Tree) {
	for pi, p := range t.Periods {
		for ai, a := range p.AdaptationSets {
			for _, r := range a.Representations {
				fmt.Printf("period=%d adaptationSet=%d id=%s bandwidth=%d codecs=%s segments=%d\n",
					pi, ai, r.ID, r.Bandwidth, r.Codecs, len(r.Segments))
			}
		}
	}
}

func streamRepresentation(ctx context.Context, t *tree.Tree, fetcher *fetch.Client, repID string) error {
	var rep *tree.Representation
	for _, p := range t.Periods {
		for _, a := range p.AdaptationSets {
			for _, r := range a.Representations {
				if r.ID == repID {
					rep = r
				}
			}
		}
	}
	if rep == nil {
		return fmt.Errorf("streamctl: representation %q not found", repID)
	}
	if err := t.PrepareRepresentation(ctx, rep, false); err != nil {
		return err
	}

	startIndex := rep.CurrentSegment
	if startIndex < 0 {
		startIndex = 0
	}

	var observer pipeline.Observer
	if !t.HasTimeshiftBuffer {
		observer = newProgress(len(rep.Segments) - startIndex)
	}
	s := pipeline.New(ctx, t, rep, fetcher, observer, startIndex)
	defer s.Stop()

	buf := make([]byte, 64*1024)
	for {
		n, err := s.Read(ctx, buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
