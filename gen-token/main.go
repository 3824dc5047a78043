// Command gen-token prints HS256 ID tokens accepted by the API when
// AUTH_TEST_MODE is on.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	"progress-api/config"
)

type tokenOptions struct {
	secret   []byte
	audience string
	issuer   string
	ttl      time.Duration
	now      func() time.Time
}

func main() {
	var (
		count  = flag.Int("count", 1, "number of tokens to generate")
		prefix = flag.String("prefix", "test-user", "prefix for generated user IDs when count > 1")
		start  = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		ttl    = flag.Duration("ttl", time.Hour, "token lifetime")
		output = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}

	opts := tokenOptions{
		secret:   []byte(cfg.TestJWTSecret),
		audience: cfg.LineChannelID,
		issuer:   cfg.LineIssuer,
		ttl:      *ttl,
		now:      time.Now,
	}
	tokens, err := generateTokens(opts, userIDs(*count, *prefix, *start, args))
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func userIDs(count int, prefix string, start int, args []string) []string {
	if len(args) > 0 {
		return []string{args[0]}
	}
	if count == 1 {
		return []string{prefix}
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", prefix, start+i)
	}
	return ids
}

func generateTokens(opts tokenOptions, users []string) ([]string, error) {
	if len(opts.secret) == 0 {
		return nil, errors.New("TEST_JWT_SECRET must be set")
	}
	now := opts.now()
	tokens := make([]string, len(users))
	for i, userID := range users {
		claims := jwt.MapClaims{
			"sub": userID,
			"iat": now.Unix(),
			"exp": now.Add(opts.ttl).Unix(),
		}
		if opts.audience != "" {
			claims["aud"] = opts.audience
		}
		if opts.issuer != "" {
			claims["iss"] = opts.issuer
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(opts.secret)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
