package leitner

import "testing"

func TestReviewCron(t *testing.T) {
	t.Parallel()

	cases := []struct {
		hour, interval int
		want           string
	}{
		{9, 1, "0 9 * * *"},
		{0, 1, "0 0 * * *"},
		{21, 3, "0 21 */3 * *"},
		{7, 2, "0 7 */2 * *"},
	}
	for _, tc := range cases {
		if got := reviewCron(tc.hour, tc.interval); got != tc.want {
			t.Fatalf("reviewCron(%d, %d) = %q, want %q", tc.hour, tc.interval, got, tc.want)
		}
	}
}

func TestReviewJobName(t *testing.T) {
	t.Parallel()

	if got := ReviewJobName("u42"); got != "leitner-review-u42" {
		t.Fatalf("name = %q", got)
	}

	user, ok := UserFromJobName("leitner-review-u42")
	if !ok || user != "u42" {
		t.Fatalf("user = %q, ok = %v", user, ok)
	}
	if _, ok := UserFromJobName("other-job"); ok {
		t.Fatal("foreign name accepted")
	}
	if _, ok := UserFromJobName("leitner-review-"); ok {
		t.Fatal("empty user accepted")
	}
}
