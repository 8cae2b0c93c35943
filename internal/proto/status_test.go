package proto

import "testing"

func TestStatusIsError(t *testing.T) {
	cases := []struct {
		status  Status
		isError bool
	}{
		{StatusOK, false},
		{StatusOKCreated, false},
		{StatusMore, false},
		{StatusUser0, false},
		{StatusUser0 + 1, false},
		{StatusFail, true},
		{StatusKeyNotFound, true},
		{StatusEraseTarget, true},
	}

	for _, c := range cases {
		if got := c.status.IsError(); got != c.isError {
			t.Errorf("Status(%d).IsError() = %v, want %v", c.status, got, c.isError)
		}
	}
}

func TestStatusString(t *testing.T) {
	cases := []struct {
		status Status
		want   string
	}{
		{StatusOK, "S_OK"},
		{StatusKeyNotFound, "E_KEY_NOT_FOUND"},
		{StatusUser0 + 5, "S_USER"},
		{Status(12345), "S_USER"},
	}

	for _, c := range cases {
		if got := c.status.String(); got != c.want {
			t.Errorf("Status(%d).String() = %q, want %q", c.status, got, c.want)
		}
	}
}

func TestClampAdoStatus(t *testing.T) {
	cases := []struct {
		name string
		in   Status
		want Status
	}{
		{"within range low bound", ErrorBase, ErrorBase},
		{"within range high bound", StatusUser0, StatusUser0},
		{"ordinary success passes through", StatusOK, StatusOK},
		{"ordinary failure passes through", StatusFail, StatusFail},
		{"below ErrorBase clamps to fail", ErrorBase - 1, StatusFail},
		{"above StatusUser0 clamps to fail", StatusUser0 + 1, StatusFail},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ClampAdoStatus(c.in); got != c.want {
				t.Errorf("ClampAdoStatus(%d) = %d, want %d", c.in, got, c.want)
			}
		})
	}
}
