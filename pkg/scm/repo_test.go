package scm

import "testing"

func TestValidateRepoName(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"my-repo", false},
		{"my_repo.go", false},
		{"a", false},
		{"", true},
		{".", true},
		{"..", true},
		{".hidden", true},
		{"-flag", true},
		{"has..dots", true},
		{"has/slash", true},
		{"has\\backslash", true},
		{"rm;rf", true},
		{"repo$()", true},
		{"tab\tname", true},
	}
	for _, c := range cases {
		err := ValidateRepoName(c.name)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateRepoName(%q) error = %v, wantErr %v", c.name, err, c.wantErr)
		}
	}
}

func TestValidateRepoName_TooLong(t *testing.T) {
	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateRepoName(string(long)); err == nil {
		t.Error("expected error for name over 100 characters")
	}
}
