// Copyright 2021-2022 The gqlgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// PublishCLIArgs arguments of the publish command
type PublishCLIArgs struct {
	// GatewayURL base URL of the gateway REST API
	GatewayURL string `validate:"required,url"`
	// EventName the event to publish
	EventName string `validate:"required"`
	// Payload JSON payload of the event
	Payload string `validate:"required,json"`
	// TTL seconds until the event expires. 0 uses the gateway default.
	TTL int `validate:"gte=0"`
	// Retries number of extra publish attempts
	Retries int `validate:"gte=0"`
	// RequestIDHeader header carrying the request ID
	RequestIDHeader string
}

// GetPublishCLIFlags retrieve the set of CMD flags for the publish command
func GetPublishCLIFlags(args *PublishCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gateway-url",
			Usage:       "Base URL of the gateway REST API",
			Aliases:     []string{"u"},
			EnvVars:     []string{"GATEWAY_URL"},
			Value:       "http://127.0.0.1:4000",
			DefaultText: "http://127.0.0.1:4000",
			Destination: &args.GatewayURL,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "event",
			Usage:       "Name of the event to publish",
			Aliases:     []string{"e"},
			Destination: &args.EventName,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "payload",
			Usage:       "JSON payload of the event",
			Aliases:     []string{"p"},
			Destination: &args.Payload,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "ttl-sec",
			Usage:       "Seconds until the event expires. 0 uses the gateway default.",
			Value:       0,
			DefaultText: "0",
			Destination: &args.TTL,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "retries",
			Usage:       "Number of extra publish attempts",
			Value:       3,
			DefaultText: "3",
			Destination: &args.Retries,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "request-id-header",
			Usage:       "Header carrying the request ID",
			Value:       "Gqlgate-Request-ID",
			DefaultText: "Gqlgate-Request-ID",
			Destination: &args.RequestIDHeader,
			Required:    false,
		},
	}
}

// publishFailure the part of a failed REST response reported to the user
type publishFailure struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// publishURL build the event publish URL
func (p PublishCLIArgs) publishURL(now time.Time) (string, error) {
	base, err := url.Parse(p.GatewayURL)
	if err != nil {
		return "", err
	}
	target := base.JoinPath("v1", "event", p.EventName)
	if p.TTL > 0 {
		query := target.Query()
		query.Set("ttl", strconv.FormatInt(now.Add(time.Second*time.Duration(p.TTL)).Unix(), 10))
		target.RawQuery = query.Encode()
	}
	return target.String(), nil
}

// PublishEvent publish one event through the gateway REST API
func PublishEvent(ctxt context.Context, params PublishCLIArgs, client *http.Client) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "publish",
		"instance":  params.EventName,
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid publish args")
		return err
	}
	if client == nil {
		client = http.DefaultClient
	}
	target, err := params.publishURL(time.Now())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid gateway URL")
		return err
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(
			ctxt, http.MethodPost, target, bytes.NewBufferString(params.Payload),
		)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			log.WithError(err).WithFields(logTags).Warn("Publish request failed")
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusOK {
			return nil
		}
		var parsed publishFailure
		detail := string(body)
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
			detail = parsed.Error.Message
		}
		failure := fmt.Errorf("publish returned %d: %s", resp.StatusCode, detail)
		if resp.StatusCode < http.StatusInternalServerError {
			return backoff.Permanent(failure)
		}
		return failure
	}

	err = backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(params.Retries)), ctxt,
	))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to publish event")
		return err
	}
	log.WithFields(logTags).Infof("Published event to %s", target)
	return nil
}
