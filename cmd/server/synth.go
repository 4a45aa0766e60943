package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/tahcohcat/longform-tts/internal/service"
	"github.com/tahcohcat/longform-tts/internal/storage"
)

type synthFlags struct {
	text   string
	file   string
	out    string
	voice  string
	rate   string
	pitch  string
	volume string
}

func newSynthCmd() *cobra.Command {
	var f synthFlags
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize a text once and print the retrieval URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSynth(cmd.Context(), cmd.OutOrStdout(), cmd.InOrStdin(), f)
		},
	}
	cmd.Flags().StringVar(&f.text, "text", "", "text to synthesize")
	cmd.Flags().StringVar(&f.file, "file", "", "read text from a file (- for stdin)")
	cmd.Flags().StringVar(&f.out, "out", "", "also save the merged audio to this path")
	cmd.Flags().StringVar(&f.voice, "voice", "", "voice short name")
	cmd.Flags().StringVar(&f.rate, "rate", "", "speaking rate delta, e.g. +10%")
	cmd.Flags().StringVar(&f.pitch, "pitch", "", "pitch delta, e.g. -2Hz")
	cmd.Flags().StringVar(&f.volume, "volume", "", "volume delta, e.g. +0%")
	cmd.MarkFlagsMutuallyExclusive("text", "file")
	return cmd
}

func runSynth(ctx context.Context, stdout io.Writer, stdin io.Reader, f synthFlags) error {
	text, err := readText(f, stdin)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, activeCfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.Synthesize(ctx, service.Request{
		Text:   text,
		Voice:  f.voice,
		Rate:   f.rate,
		Pitch:  f.pitch,
		Volume: f.volume,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\n", res.Reference.URL)

	if f.out == "" {
		return nil
	}
	return saveObject(ctx, a.local, res.Reference.URL, f.out)
}

func readText(f synthFlags, stdin io.Reader) (string, error) {
	switch {
	case f.text != "":
		return f.text, nil
	case f.file == "-":
		data, err := io.ReadAll(stdin)
		return string(data), err
	case f.file != "":
		data, err := os.ReadFile(f.file)
		return string(data), err
	default:
		return "", errors.New("one of --text or --file is required")
	}
}

// saveObject copies a stored object to path. Local links are opened in
// process since no server is listening to answer them.
func saveObject(ctx context.Context, local *storage.LocalGateway, link, path string) error {
	var body io.ReadCloser
	if local != nil {
		u, err := url.Parse(link)
		if err != nil {
			return err
		}
		key, ok := local.Key(u)
		if !ok {
			return fmt.Errorf("link %s is not a local object", link)
		}
		q := u.Query()
		f, _, err := local.Open(ctx, key, q.Get("expires"), q.Get("sig"))
		if err != nil {
			return err
		}
		body = f
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("fetch audio: %s", resp.Status)
		}
		body = resp.Body
	}
	defer body.Close()

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
