package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	"ecb-maintenance/config"
)

func main() {
	var (
		count  = flag.Int("count", 1, "number of tokens to generate")
		prefix = flag.String("prefix", "operator", "prefix for generated operator IDs when count > 1")
		start  = flag.Int("start", 1, "starting index for generated operator IDs when count > 1")
		ttl    = flag.Duration("ttl", time.Hour, "token lifetime")
		output = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit operator ID cannot be provided when generating multiple tokens")
	}

	cfg, err := config.LoadAuth()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if !cfg.SharedSecretMode() {
		log.Fatal("tokens can only be generated with LOCAL_AUTH_MODE=hs256 or AUTH0_TEST_MODE=1")
	}

	signer := tokenSigner{secret: cfg.SharedSecret(), audience: cfg.Audience, ttl: *ttl}
	if cfg.Domain != "" {
		signer.issuer = cfg.Issuer()
	}
	tokens, err := signer.generate(*count, *prefix, *start, args)
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

type tokenSigner struct {
	secret   []byte
	audience string
	issuer   string
	ttl      time.Duration
	now      func() time.Time
}

func (s tokenSigner) sign(operator string) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("shared secret is empty")
	}
	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	claims := jwt.MapClaims{
		"sub": operator,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}
	if s.audience != "" {
		claims["aud"] = s.audience
	}
	if s.issuer != "" {
		claims["iss"] = s.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s tokenSigner) generate(count int, prefix string, start int, args []string) ([]string, error) {
	tokens := make([]string, count)
	for i := 0; i < count; i++ {
		var operator string
		switch {
		case len(args) > 0:
			operator = args[0]
		case count == 1:
			operator = prefix
		default:
			operator = fmt.Sprintf("%s-%d", prefix, start+i)
		}

		tok, err := s.sign(operator)
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
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
