/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package creds

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/headwind-sh/headwind/internal/registry"
)

// ECRAuthConfig selects how the ECR provider obtains AWS credentials: the
// default chain (IRSA, instance profile, environment), or an explicit
// AssumeRole.
type ECRAuthConfig struct {
	Region  string
	RoleArn string
}

// ecrHostSuffixes covers the commercial, China, and GovCloud ECR
// partitions. A private ECR host looks like
// "<account-id>.dkr.ecr.<region>.amazonaws.com" (or the .com.cn variant).
var ecrHostSuffixes = []string{".amazonaws.com", ".amazonaws.com.cn"}

// ParseECRRegion reports whether host is a private Amazon ECR registry
// host and, if so, extracts the region embedded in it.
func ParseECRRegion(host string) (region string, ok bool) {
	if !strings.Contains(host, ".dkr.ecr.") {
		return "", false
	}
	matchesSuffix := false
	for _, suffix := range ecrHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			matchesSuffix = true
			break
		}
	}
	if !matchesSuffix {
		return "", false
	}

	labels := strings.Split(host, ".")
	for i, label := range labels {
		if label == "ecr" && i+1 < len(labels) {
			return labels[i+1], true
		}
	}
	return "", false
}

// ECRProvider obtains short-lived basic-auth credentials for Amazon ECR
// registry hosts via ecr:GetAuthorizationToken, optionally behind an
// AssumeRole hop.
type ECRProvider struct {
	cfg ECRAuthConfig
}

// NewECRProvider constructs an ECRProvider for the given auth configuration.
func NewECRProvider(cfg ECRAuthConfig) *ECRProvider {
	return &ECRProvider{cfg: cfg}
}

func (p *ECRProvider) awsConfig(ctx context.Context) (aws.Config, error) {
	if p.cfg.RoleArn == "" {
		return config.LoadDefaultConfig(ctx, config.WithRegion(p.cfg.Region))
	}

	base, err := config.LoadDefaultConfig(ctx, config.WithRegion(p.cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load base aws config: %w", err)
	}

	stsClient := sts.NewFromConfig(base)
	provider := stscreds.NewAssumeRoleProvider(stsClient, p.cfg.RoleArn)

	assumed, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(p.cfg.Region),
		config.WithCredentialsProvider(aws.NewCredentialsCache(provider)),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load assumed-role aws config: %w", err)
	}
	return assumed, nil
}

// Credentials returns basic-auth Credentials decoded from ECR's
// authorization token for the registry host derived from the account ID
// and region.
func (p *ECRProvider) Credentials(ctx context.Context) (registry.Credentials, error) {
	awsCfg, err := p.awsConfig(ctx)
	if err != nil {
		return registry.Credentials{}, &registry.Error{Kind: registry.ErrAuthFailed, Op: "ecr.Credentials", Err: err}
	}

	client := ecr.NewFromConfig(awsCfg)
	out, err := client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return registry.Credentials{}, &registry.Error{Kind: registry.ErrAuthFailed, Op: "ecr.Credentials", Err: err}
	}
	if len(out.AuthorizationData) == 0 {
		return registry.Credentials{}, &registry.Error{Kind: registry.ErrAuthFailed, Op: "ecr.Credentials", Err: fmt.Errorf("no authorization data returned")}
	}

	token := aws.ToString(out.AuthorizationData[0].AuthorizationToken)
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return registry.Credentials{}, &registry.Error{Kind: registry.ErrMalformedResponse, Op: "ecr.Credentials", Err: err}
	}

	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return registry.Credentials{}, &registry.Error{Kind: registry.ErrMalformedResponse, Op: "ecr.Credentials", Err: fmt.Errorf("malformed ECR auth token")}
	}

	return registry.Credentials{Username: parts[0], Password: parts[1]}, nil
}
