// Package client talks to the changelog service of a master node.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"serialkv/internal/model"
)

// SerialHeader carries the latest serial of the responding node.
const SerialHeader = "X-DEVPI-SERIAL"

// StatusError surfaces non-200 responses from the master.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s from %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// IsStatusError reports whether err is, or wraps, a StatusError.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the master at baseURL. A nil httpClient means
// http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Response is a successful answer from the master.
type Response struct {
	URL string
	// Serial is the master's latest serial when it answered, or NoSerial if
	// the header was missing.
	Serial model.Serial
	Body   []byte
}

// ChangelogURL is the URL serving the entry for serial.
func (c *Client) ChangelogURL(serial model.Serial) string {
	return c.baseURL + "/+changelog/" + strconv.FormatInt(int64(serial), 10)
}

// Changelog fetches the raw entry for serial. An empty body means the master
// did not reach serial before its long-poll timeout.
func (c *Client) Changelog(ctx context.Context, serial model.Serial) (*Response, error) {
	return c.get(ctx, c.ChangelogURL(serial))
}

// LatestSerial asks the master for its latest serial without waiting.
func (c *Client) LatestSerial(ctx context.Context) (model.Serial, error) {
	resp, err := c.get(ctx, c.baseURL+"/+changelog/nop")
	if err != nil {
		return model.NoSerial, err
	}
	return resp.Serial, nil
}

// Name2Serials fetches the encoded project→serial snapshot of the mirror.
func (c *Client) Name2Serials(ctx context.Context) (*Response, error) {
	return c.get(ctx, c.baseURL+"/root/pypi/+name2serials")
}

func (c *Client) get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: url}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read body of %s", url)
	}

	serial := model.NoSerial
	if h := resp.Header.Get(SerialHeader); h != "" {
		if n, err := strconv.ParseInt(h, 10, 64); err == nil {
			serial = model.Serial(n)
		}
	}
	return &Response{URL: url, Serial: serial, Body: body}, nil
}
