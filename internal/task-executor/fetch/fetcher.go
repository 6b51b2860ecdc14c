// Copyright 2025 Alibaba Group Holding Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fetch

//go:generate mockgen -destination=../mocks/mock_fetch.go -package=mocks github.com/isomer/incubator-aurora/internal/task-executor/fetch Fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/klog/v2"

	"github.com/isomer/incubator-aurora/internal/task-executor/types"
)

// Fetcher copies a task payload into destDir and returns the local path.
type Fetcher interface {
	Fetch(ctx context.Context, source, destDir string) (string, error)
}

type Options struct {
	MaxRetries   uint
	HadoopBinary string
	HTTPClient   *http.Client
}

// Dispatcher picks a fetch mechanism by the source URI scheme.
type Dispatcher struct {
	opts Options
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 1
	}
	if opts.HadoopBinary == "" {
		opts.HadoopBinary = "hadoop"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Dispatcher{opts: opts}
}

func (d *Dispatcher) Fetch(ctx context.Context, source, destDir string) (string, error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", fmt.Errorf("%w: invalid source %q: %w", types.ErrFetch, source, err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("%w: source %q has no file name", types.ErrFetch, source)
	}
	dest := filepath.Join(destDir, name)

	switch u.Scheme {
	case "", "file":
		err = copyFile(u.Path, dest)
	case "http", "https":
		err = d.download(ctx, source, dest)
	case "hdfs":
		err = d.hadoopCopy(ctx, source, dest)
	default:
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s -> %s: %w", types.ErrFetch, source, destDir, err)
	}
	klog.V(2).InfoS("payload fetched", "source", source, "dest", dest)
	return dest, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (d *Dispatcher) download(ctx context.Context, source, dest string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := d.opts.HTTPClient.Do(req)
		if err != nil {
			klog.V(2).InfoS("payload download attempt failed", "source", source, "err", err)
			return struct{}{}, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("server error: status=%d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return struct{}{}, backoff.Permanent(fmt.Errorf("unexpected status=%d", resp.StatusCode))
		}

		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if _, err := io.Copy(out, resp.Body); err != nil {
			out.Close()
			return struct{}{}, err
		}
		return struct{}{}, out.Close()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(d.opts.MaxRetries))
	return err
}

func (d *Dispatcher) hadoopCopy(ctx context.Context, source, dest string) error {
	cmd := exec.CommandContext(ctx, d.opts.HadoopBinary, "fs", "-copyToLocal", source, dest)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s fs -copyToLocal failed: %w: %s", d.opts.HadoopBinary, err, out)
	}
	return nil
}
