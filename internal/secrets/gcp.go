// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ Store = (*Manager)(nil)

// Manager is a [Store] backed by Google Secret Manager, scoped to a single
// project. Each build invocation creates its own Manager with its own
// service account credentials.
type Manager struct {
	project string
	client  *secretmanager.Client
}

// NewManager returns a Manager for the given project. Credentials are
// resolved by the client library (application default credentials unless
// overridden via opts).
func NewManager(ctx context.Context, project string, opts ...option.ClientOption) (*Manager, error) {
	if project == "" {
		return nil, fmt.Errorf("secrets: project is required")
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to create client: %w", err)
	}

	return &Manager{project: project, client: client}, nil
}

// Close releases the underlying client connection.
func (m *Manager) Close() error {
	//nolint:wrapcheck // close errors are self describing.
	return m.client.Close()
}

// GetLatest implements [Store].
func (m *Manager) GetLatest(ctx context.Context, name string) ([]byte, error) {
	resp, err := m.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", m.project, name),
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, name, err)
		}
		return nil, fmt.Errorf("secrets: failed to access %s: %w", name, err)
	}
	return resp.GetPayload().GetData(), nil
}

// Add implements [Store]. The secret is created on first write with
// automatic replication, matching how the surrounding infrastructure
// provisions the per-repository installation id secrets.
func (m *Manager) Add(ctx context.Context, name string, payload []byte) error {
	parent := fmt.Sprintf("projects/%s/secrets/%s", m.project, name)

	_, err := m.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  parent,
		Payload: &secretmanagerpb.SecretPayload{Data: payload},
	})
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.NotFound {
		return fmt.Errorf("secrets: failed to add version to %s: %w", name, err)
	}

	_, err = m.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   fmt.Sprintf("projects/%s", m.project),
		SecretId: name,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("secrets: failed to create %s: %w", name, err)
	}

	_, err = m.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  parent,
		Payload: &secretmanagerpb.SecretPayload{Data: payload},
	})
	if err != nil {
		return fmt.Errorf("secrets: failed to add version to %s: %w", name, err)
	}
	return nil
}
