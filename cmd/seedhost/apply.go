package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/seedhost/pkg/storage"
	"github.com/cuemby/seedhost/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply user records from a YAML file",
	Long: `Create or update user records from a YAML file. Multiple
documents may be separated by "---".

Example:
  apiVersion: seedhost/v1
  kind: User
  metadata:
    name: alice
  spec:
    id: 6f1c9a52-5c1e-4a53-9a43-0d8b0f7b51a2
    active: true

A token is generated for new users that do not specify one.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one document of an apply file
type Resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       UserSpec         `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

// UserSpec holds the fields of a User resource. Active is a pointer so that
// an omitted field leaves the stored state alone.
type UserSpec struct {
	ID     string `yaml:"id"`
	Token  string `yaml:"token,omitempty"`
	Active *bool  `yaml:"active,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	defer f.Close()

	resources, err := decodeResources(f)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, res := range resources {
		user, created, err := applyUser(store, res)
		if err != nil {
			return fmt.Errorf("user %q: %v", res.Metadata.Name, err)
		}
		if created {
			fmt.Printf("✓ User created: %s (%s)\n", user.Handle, user.ID)
			fmt.Printf("  Token: %s\n", user.Token)
		} else {
			fmt.Printf("✓ User updated: %s (%s)\n", user.Handle, user.ID)
		}
	}
	return nil
}

// decodeResources reads every YAML document in r
func decodeResources(r io.Reader) ([]Resource, error) {
	dec := yaml.NewDecoder(r)

	var out []Resource
	for {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %v", err)
		}
		if res.Kind == "" && res.Metadata.Name == "" {
			continue // empty document
		}
		if res.Kind != "User" {
			return nil, fmt.Errorf("unsupported resource kind: %s", res.Kind)
		}
		if res.Metadata.Name == "" {
			return nil, fmt.Errorf("user resource is missing metadata.name")
		}
		out = append(out, res)
	}
	return out, nil
}

// applyUser creates the user or updates the fields the resource sets
func applyUser(store storage.Store, res Resource) (*types.User, bool, error) {
	if res.Spec.ID != "" {
		existing, err := store.GetUser(res.Spec.ID)
		switch {
		case err == nil:
			existing.Handle = res.Metadata.Name
			if res.Spec.Token != "" {
				existing.Token = res.Spec.Token
			}
			if res.Spec.Active != nil {
				existing.Active = *res.Spec.Active
			}
			if err := store.UpdateUser(existing); err != nil {
				return nil, false, err
			}
			return existing, false, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, false, err
		}
	}

	user := &types.User{
		ID:     res.Spec.ID,
		Handle: res.Metadata.Name,
		Token:  res.Spec.Token,
	}
	if user.Token == "" {
		user.Token = uuid.NewString()
	}
	if res.Spec.Active != nil {
		user.Active = *res.Spec.Active
	}
	if err := store.CreateUser(user); err != nil {
		return nil, false, err
	}
	return user, true, nil
}
