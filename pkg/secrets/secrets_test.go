package secrets

import (
	"testing"

	"github.com/google/uuid"
)

func TestValidateSecretName_Valid(t *testing.T) {
	for _, name := range []string{"API_KEY", "STRIPE_API_KEY", "AWS_ACCESS_KEY_ID", "A", "A123"} {
		if err := ValidateSecretName(name); err != nil {
			t.Errorf("ValidateSecretName(%q) = %v, want nil", name, err)
		}
	}
}

func TestValidateSecretName_Invalid(t *testing.T) {
	for _, name := range []string{"", "api_key", "123KEY", "API-KEY", "API KEY"} {
		if err := ValidateSecretName(name); err == nil {
			t.Errorf("ValidateSecretName(%q) = nil, want error", name)
		}
	}
}

func TestValidateScopeFields(t *testing.T) {
	repoID := uuid.New()
	weaverID := uuid.New()

	if err := ValidateScopeFields(ScopeOrg, nil, nil); err != nil {
		t.Errorf("org scope with no bindings should be valid, got %v", err)
	}
	if err := ValidateScopeFields(ScopeOrg, &repoID, nil); err == nil {
		t.Error("org scope with a repo binding should be invalid")
	}
	if err := ValidateScopeFields(ScopeRepo, nil, nil); err == nil {
		t.Error("repo scope without a repo binding should be invalid")
	}
	if err := ValidateScopeFields(ScopeRepo, &repoID, &weaverID); err == nil {
		t.Error("repo scope with a weaver binding should be invalid")
	}
	if err := ValidateScopeFields(ScopeRepo, &repoID, nil); err != nil {
		t.Errorf("repo scope with only a repo binding should be valid, got %v", err)
	}
	if err := ValidateScopeFields(ScopeWeaver, &repoID, nil); err == nil {
		t.Error("weaver scope without a weaver binding should be invalid")
	}
	if err := ValidateScopeFields(ScopeWeaver, &repoID, &weaverID); err != nil {
		t.Errorf("weaver scope with both bindings should be valid, got %v", err)
	}
}

func TestValidateValue_TooLarge(t *testing.T) {
	big := make([]byte, MaxSecretValueSize+1)
	if err := ValidateValue(big); err == nil {
		t.Error("expected error for a value over the size limit")
	}
	ok := make([]byte, MaxSecretValueSize)
	if err := ValidateValue(ok); err != nil {
		t.Errorf("value at the size limit should be valid, got %v", err)
	}
	if err := ValidateValue(nil); err == nil {
		t.Error("expected error for an empty value")
	}
}
