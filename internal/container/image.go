package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	goarchive "github.com/moby/go-archive"
	"github.com/moby/patternmatcher/ignorefile"
)

type BuildOptions struct {
	ContextDir string
	Dockerfile string
	Tags       []string
	Output     io.Writer // build log, discarded when nil
}

// BuildWorkerImage builds the worker image once and applies every tag.
func BuildWorkerImage(ctx context.Context, docker *client.Client, opts BuildOptions) error {
	if len(opts.Tags) == 0 {
		return fmt.Errorf("no image tags given")
	}
	if opts.ContextDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working dir: %w", err)
		}
		opts.ContextDir = cwd
	}
	if opts.Dockerfile == "" {
		opts.Dockerfile = "Dockerfile.worker"
	}
	out := opts.Output
	if out == nil {
		out = io.Discard
	}

	excludes, err := readDockerignore(opts.ContextDir)
	if err != nil {
		return err
	}

	tar, err := goarchive.TarWithOptions(opts.ContextDir, &goarchive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer tar.Close()

	resp, err := docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       opts.Tags,
		Dockerfile: opts.Dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	// The stream carries build errors as messages, not as an HTTP status.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, nil); err != nil {
		return fmt.Errorf("build image: %w", err)
	}

	slog.Info("worker image built", "tags", opts.Tags)
	return nil
}

func readDockerignore(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, ".dockerignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read .dockerignore: %w", err)
	}
	patterns, err := ignorefile.ReadAll(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse .dockerignore: %w", err)
	}
	return patterns, nil
}
