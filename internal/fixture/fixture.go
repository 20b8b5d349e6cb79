// Package fixture loads the declarative description of the transaction a
// benchmark sends, and turns it into a TransactionSpec.
package fixture

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	ext_procv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_proc/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/spf13/viper"

	"github.com/jhump/extprocmux"
)

// Config is the on-disk form of a fixture. It may be written as JSON or YAML.
// Headers are lists of [name, value] pairs. Body file names are resolved
// relative to the working directory; empty names mean empty bodies.
type Config struct {
	RequestHeaders       [][]string `mapstructure:"request_headers"`
	RequestBodyFilename  string     `mapstructure:"request_body_filename"`
	ResponseStatus       uint32     `mapstructure:"response_status"`
	ResponseHeaders      [][]string `mapstructure:"response_headers"`
	ResponseBodyFilename string     `mapstructure:"response_body_filename"`
}

// Header is a single HTTP header.
type Header struct {
	Name, Value string
}

// Data is a loaded fixture, with body files read into memory.
type Data struct {
	RequestHeaders  []Header
	RequestBody     []byte
	ResponseStatus  uint32
	ResponseHeaders []Header
	ResponseBody    []byte
}

// Load reads the fixture at the given path. The format is chosen by the
// file's extension.
func Load(path string) (*Data, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("could not read fixture at '%s': %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not decode fixture at '%s': %w", path, err)
	}
	return FromConfig(cfg)
}

// FromConfig validates the given configuration and reads the body files it
// names.
func FromConfig(cfg Config) (*Data, error) {
	reqHeaders, err := toHeaders("request_headers", cfg.RequestHeaders)
	if err != nil {
		return nil, err
	}
	respHeaders, err := toHeaders("response_headers", cfg.ResponseHeaders)
	if err != nil {
		return nil, err
	}
	if cfg.ResponseStatus < 100 || cfg.ResponseStatus > 599 {
		return nil, fmt.Errorf("invalid response_status %d", cfg.ResponseStatus)
	}
	reqBody, err := readBody("request body", cfg.RequestBodyFilename)
	if err != nil {
		return nil, err
	}
	respBody, err := readBody("response body", cfg.ResponseBodyFilename)
	if err != nil {
		return nil, err
	}
	return &Data{
		RequestHeaders:  reqHeaders,
		RequestBody:     reqBody,
		ResponseStatus:  cfg.ResponseStatus,
		ResponseHeaders: respHeaders,
		ResponseBody:    respBody,
	}, nil
}

func toHeaders(field string, pairs [][]string) ([]Header, error) {
	headers := make([]Header, len(pairs))
	for i, pair := range pairs {
		if len(pair) != 2 {
			return nil, fmt.Errorf("%s[%d]: expecting [name, value], got %d elements", field, i, len(pair))
		}
		headers[i] = Header{Name: strings.ToLower(pair[0]), Value: pair[1]}
	}
	return headers, nil
}

func readBody(kind, path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s file at '%s': %w", kind, absPath(path), err)
	}
	defer func() {
		_ = f.Close()
	}()
	body, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("could not read %s file at '%s': %w", kind, absPath(path), err)
	}
	return body, nil
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// Spec builds the transaction the fixture describes: request headers,
// request body, response headers (with a :status pseudo-header), and
// response body. Empty bodies are left out, and the last message in each
// direction carries end_of_stream.
//
// If mode is non-nil, it is applied the way a proxy would apply it: bodies
// are left out when their mode is NONE and response headers when their mode
// is SKIP. Request headers are always sent since they start the transaction.
func (d *Data) Spec(mode *ext_procv3.ProcessingMode) extprocmux.TransactionSpec {
	sendReqBody := len(d.RequestBody) > 0
	sendRespBody := len(d.ResponseBody) > 0
	sendRespHeaders := true
	if mode != nil {
		sendReqBody = sendReqBody && mode.GetRequestBodyMode() != ext_procv3.ProcessingMode_NONE
		sendRespBody = sendRespBody && mode.GetResponseBodyMode() != ext_procv3.ProcessingMode_NONE
		sendRespHeaders = mode.GetResponseHeaderMode() != ext_procv3.ProcessingMode_SKIP
	}

	var reqs []extprocmux.Request
	add := func(req *extprocv3.ProcessingRequest) {
		reqs = append(reqs, extprocmux.Request{Message: req})
	}

	add(&extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestHeaders{
			RequestHeaders: &extprocv3.HttpHeaders{
				Headers:     headerMap(d.RequestHeaders),
				EndOfStream: !sendReqBody,
			},
		},
	})
	if sendReqBody {
		add(&extprocv3.ProcessingRequest{
			Request: &extprocv3.ProcessingRequest_RequestBody{
				RequestBody: &extprocv3.HttpBody{Body: d.RequestBody, EndOfStream: true},
			},
		})
	}
	if sendRespHeaders {
		headers := append([]Header{{Name: ":status", Value: strconv.Itoa(int(d.ResponseStatus))}}, d.ResponseHeaders...)
		add(&extprocv3.ProcessingRequest{
			Request: &extprocv3.ProcessingRequest_ResponseHeaders{
				ResponseHeaders: &extprocv3.HttpHeaders{
					Headers:     headerMap(headers),
					EndOfStream: !sendRespBody,
				},
			},
		})
	}
	if sendRespBody {
		add(&extprocv3.ProcessingRequest{
			Request: &extprocv3.ProcessingRequest_ResponseBody{
				ResponseBody: &extprocv3.HttpBody{Body: d.ResponseBody, EndOfStream: true},
			},
		})
	}
	return extprocmux.TransactionSpec{Requests: reqs}
}

func headerMap(headers []Header) *corev3.HeaderMap {
	hm := &corev3.HeaderMap{Headers: make([]*corev3.HeaderValue, len(headers))}
	for i, h := range headers {
		hm.Headers[i] = &corev3.HeaderValue{Key: h.Name, Value: h.Value}
	}
	return hm
}
