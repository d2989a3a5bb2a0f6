package registry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/ocipkg/reference"
)

// ConfigPath returns the path of ocipkg's own credential file,
// ~/.ocipkg/config.json.
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ocipkg", "config.json"), nil
}

// ConfigCredentialStore returns the store backed by ConfigPath. Unlike the
// Docker store it accepts plaintext writes, which is what Login uses when no
// credential helper is configured.
func ConfigCredentialStore() (credentials.Store, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return credentials.NewStore(path, credentials.StoreOptions{AllowPlaintextPut: true})
}

// DefaultCredentialStore returns a credential store reading, in order,
// ocipkg's config, Docker's config (~/.docker/config.json and its
// credential helpers) and Podman's auth.json when present. Writes go to the
// first store.
func DefaultCredentialStore() (credentials.Store, error) {
	docker, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
	if err != nil {
		return nil, err
	}

	stores := []credentials.Store{docker}
	if own, err := ConfigCredentialStore(); err == nil {
		stores = append([]credentials.Store{own}, stores...)
	}
	if podman := podmanCredentialStore(); podman != nil {
		stores = append(stores, podman)
	}
	return credentials.NewStoreWithFallbacks(stores[0], stores[1:]...), nil
}

func podmanCredentialStore() credentials.Store {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return nil
	}
	path := filepath.Join(dir, "containers", "auth.json")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	store, err := credentials.NewStore(path, credentials.StoreOptions{})
	if err != nil {
		return nil
	}
	return store
}

// StaticCredentials returns a credential store with a single static credential
// for the specified registry.
func StaticCredentials(registry, username, password string) credentials.Store {
	return staticStore(registry, auth.Credential{Username: username, Password: password})
}

// StaticToken returns a credential store with a bearer token
// for the specified registry.
func StaticToken(registry, token string) credentials.Store {
	return staticStore(registry, auth.Credential{AccessToken: token})
}

func staticStore(registry string, cred auth.Credential) credentials.Store {
	store := credentials.NewMemoryStore()
	// Put on a memory store cannot fail.
	_ = store.Put(context.Background(), serverAddresses(registry)[0], cred)
	return store
}

// Login validates username and password against host and saves them to
// store.
func Login(ctx context.Context, store credentials.Store, host, username, password string, plainHTTP bool) error {
	reg, err := remote.NewRegistry(host)
	if err != nil {
		return fmt.Errorf("login %s: %w", host, err)
	}
	reg.PlainHTTP = plainHTTP
	reg.Client = &auth.Client{
		Client: retry.DefaultClient,
		Header: http.Header{"User-Agent": []string{defaultUserAgent}},
	}
	cred := auth.Credential{Username: username, Password: password}
	if err := credentials.Login(ctx, store, reg, cred); err != nil {
		return fmt.Errorf("%w: login %s: %w", ErrAuthorizationDenied, host, err)
	}
	return nil
}

// serverAddresses returns the credential store keys for a registry host,
// the one Docker writes first. Docker Hub is looked up under Docker's index
// key and each of its hostnames.
func serverAddresses(host string) []string {
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "https://")
	host, _, _ = strings.Cut(host, "/")
	if !reference.IsDockerHub(host) {
		return []string{host}
	}
	keys := []string{credentials.ServerAddressFromRegistry(reference.DefaultRegistry)}
	return append(keys, reference.DockerHubHosts()...)
}

// lookupCredential returns the first credential stored under one of host's
// keys, or auth.EmptyCredential.
func lookupCredential(ctx context.Context, store credentials.Store, host string) (auth.Credential, error) {
	for _, key := range serverAddresses(host) {
		cred, err := store.Get(ctx, key)
		if err != nil {
			return auth.EmptyCredential, err
		}
		if cred != auth.EmptyCredential {
			return cred, nil
		}
	}
	return auth.EmptyCredential, nil
}
