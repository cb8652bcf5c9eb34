// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path"

	"github.com/google/go-github/v34/github"
	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const org = "f-secure-foundry"
const repo = "wtmi-trust"

// MANIFEST_SUFFIX identifies the signed manifest release asset
const MANIFEST_SUFFIX = ".manifest"

type fetcher struct {
	client *github.Client
	http   *http.Client

	owner string
	repo  string
	vkey  string
}

func newFetcher(ctx context.Context, owner string, repo string, vkey string) *fetcher {
	httpClient := http.DefaultClient

	if token := os.Getenv("GITHUB_TOKEN"); len(token) > 0 {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	return &fetcher{
		client: github.NewClient(httpClient),
		http:   httpClient,
		owner:  owner,
		repo:   repo,
		vkey:   vkey,
	}
}

func (f *fetcher) release(ctx context.Context, version string) (release *github.RepositoryRelease, err error) {
	if version == "latest" {
		release, _, err = f.client.Repositories.GetLatestRelease(ctx, f.owner, f.repo)
	} else {
		release, _, err = f.client.Repositories.GetReleaseByTag(ctx, f.owner, f.repo, version)
	}

	return
}

func (f *fetcher) download(ctx context.Context, release *github.RepositoryRelease, asset *github.ReleaseAsset) ([]byte, error) {
	log.Printf("Downloading %s (%d bytes)", asset.GetName(), asset.GetSize())
	log.Printf("  Tag:    %s", release.GetTagName())
	log.Printf("  Author: %s", asset.GetUploader().GetLogin())
	log.Printf("  URL:    %s", asset.GetBrowserDownloadURL())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.GetBrowserDownloadURL(), nil)

	if err != nil {
		return nil, err
	}

	res, err := f.http.Do(req)

	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s download failed, %s", asset.GetName(), res.Status)
	}

	return io.ReadAll(res.Body)
}

// fetch downloads the release manifest and the artifacts it lists, every
// artifact is verified against the manifest before being saved in dir.
func (f *fetcher) fetch(ctx context.Context, version string, dir string) (m Manifest, err error) {
	release, err := f.release(ctx, version)

	if err != nil {
		return
	}

	tagName := release.GetTagName()
	assets := make(map[string]*github.ReleaseAsset)

	for _, asset := range release.Assets {
		assets[asset.GetName()] = asset
	}

	asset, ok := assets[tagName+MANIFEST_SUFFIX]

	if !ok {
		return nil, fmt.Errorf("could not find %s manifest for github.com/%s/%s", version, f.owner, f.repo)
	}

	msg, err := f.download(ctx, release, asset)

	if err != nil {
		return
	}

	if m, err = OpenManifest(msg, f.vkey); err != nil {
		return nil, fmt.Errorf("invalid manifest, %w", err)
	}

	for name := range m {
		if _, ok := assets[name]; !ok {
			return nil, fmt.Errorf("could not find %s for github.com/%s/%s", name, f.owner, f.repo)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	for name := range m {
		asset := assets[name]

		g.Go(func() error {
			buf, err := f.download(ctx, release, asset)

			if err != nil {
				return err
			}

			if err = m.Check(asset.GetName(), buf); err != nil {
				return err
			}

			return os.WriteFile(path.Join(dir, asset.GetName()), buf, 0644)
		})
	}

	err = g.Wait()

	return
}

// FetchCommand creates the fetch command
func FetchCommand() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Download and verify release artifacts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "release",
				Usage: "release version",
				Value: "latest",
			},
			&cli.StringFlag{
				Name:  "repo",
				Usage: "GitHub repository",
				Value: org + "/" + repo,
			},
			&cli.StringFlag{
				Name:     "manifest-key",
				Usage:    "manifest verifier key (see keygen --manifest-name)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "output directory",
				Value: ".",
			},
		},
		Action: runFetchCommand,
	}
}

func runFetchCommand(ctx context.Context, cmd *cli.Command) (err error) {
	owner, name := path.Split(cmd.String("repo"))

	if len(owner) < 2 || len(name) == 0 {
		return fmt.Errorf("invalid repository %q", cmd.String("repo"))
	}

	vkey, err := os.ReadFile(cmd.String("manifest-key"))

	if err != nil {
		return
	}

	f := newFetcher(ctx, owner[:len(owner)-1], name, string(vkey))
	m, err := f.fetch(ctx, cmd.String("release"), cmd.String("out"))

	if err != nil {
		return
	}

	log.Printf("fetched and verified %d artifacts", len(m))

	return
}
