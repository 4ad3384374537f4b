package broker

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/rds/auth"
)

// TokenMinter produces short-lived IAM database auth tokens at connection
// time. Tokens are valid for 15 minutes and are never stored.
type TokenMinter struct {
	creds aws.CredentialsProvider
}

func NewTokenMinter(creds aws.CredentialsProvider) *TokenMinter {
	return &TokenMinter{creds: creds}
}

// Token returns an auth token for user on host:port in region.
func (m *TokenMinter) Token(ctx context.Context, host string, port int, region, user string) (string, error) {
	if region == "" {
		return "", fmt.Errorf("region is required for iam auth")
	}
	endpoint := net.JoinHostPort(host, strconv.Itoa(port))
	token, err := auth.BuildAuthToken(ctx, endpoint, region, user, m.creds)
	if err != nil {
		return "", fmt.Errorf("build iam auth token for %s: %w", endpoint, err)
	}
	return token, nil
}
