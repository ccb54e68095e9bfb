package sync

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/klausi/mastodon-twitter-sync/internal/cache"
	"github.com/klausi/mastodon-twitter-sync/internal/platform"
	"github.com/klausi/mastodon-twitter-sync/internal/post"
)

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Load(filepath.Join(t.TempDir(), "post_cache.json"))
	if err != nil {
		t.Fatalf("load cache: %v", err)
	}
	return c
}

func mkPost(p platform.Name, id, text string, createdAt time.Time) post.NormalizedPost {
	return post.NormalizedPost{
		SourcePlatform: p,
		SourceID:       id,
		AuthorHandle:   "me",
		CreatedAt:      createdAt,
		PlainText:      text,
	}
}

var (
	testDir  = Direction{Source: platform.Mastodon, Target: platform.Twitter}
	testBase = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func TestDiffOrdersOldestFirst(t *testing.T) {
	c := testCache(t)
	posts := []post.NormalizedPost{
		mkPost(platform.Mastodon, "3", "third", testBase.Add(2*time.Minute)),
		mkPost(platform.Mastodon, "2", "second", testBase.Add(time.Minute)),
		mkPost(platform.Mastodon, "1", "first", testBase),
	}

	actions, skipped := Diff(c, testDir, posts, DiffOptions{SyncReposts: true})

	if len(skipped) != 0 {
		t.Fatalf("skipped = %v, want none", skipped)
	}
	var order []string
	for _, a := range actions {
		order = append(order, a.Post.SourceID)
	}
	if fmt.Sprint(order) != "[1 2 3]" {
		t.Errorf("action order = %v, want [1 2 3]", order)
	}
	for _, a := range actions {
		if a.Kind != ActionPost || a.Target != platform.Twitter {
			t.Errorf("action = %+v, want post targeting twitter", a)
		}
	}
}

func TestDiffIdempotence(t *testing.T) {
	c := testCache(t)
	posts := []post.NormalizedPost{
		mkPost(platform.Mastodon, "2", "second", testBase.Add(time.Minute)),
		mkPost(platform.Mastodon, "1", "first", testBase),
	}

	actions, _ := Diff(c, testDir, posts, DiffOptions{SyncReposts: true})
	if len(actions) != 2 {
		t.Fatalf("first pass planned %d actions, want 2", len(actions))
	}

	// Execute the plan: record origin and mirror for each post.
	for i, a := range actions {
		mirror := fmt.Sprintf("m%d", i)
		if err := c.Record(platform.Mastodon, a.Post.SourceID, testBase, mirror); err != nil {
			t.Fatalf("record origin: %v", err)
		}
		if err := c.Record(platform.Twitter, mirror, testBase, a.Post.SourceID); err != nil {
			t.Fatalf("record mirror: %v", err)
		}
	}

	again, skipped := Diff(c, testDir, posts, DiffOptions{SyncReposts: true})
	if len(again) != 0 {
		t.Errorf("second pass planned %d actions, want 0", len(again))
	}
	if len(skipped) != 0 {
		t.Errorf("second pass skipped = %v, want none", skipped)
	}
}

func TestDiffSuppressesEcho(t *testing.T) {
	c := testCache(t)
	// A post mirrored from mastodon earlier: the mirror's id was
	// recorded for twitter at post time.
	if err := c.Record(platform.Mastodon, "100", testBase, "900"); err != nil {
		t.Fatal(err)
	}
	if err := c.Record(platform.Twitter, "900", testBase, "100"); err != nil {
		t.Fatal(err)
	}

	// The mirror now shows up in twitter's own timeline.
	back := Direction{Source: platform.Twitter, Target: platform.Mastodon}
	posts := []post.NormalizedPost{
		mkPost(platform.Twitter, "900", "hello world", testBase.Add(time.Second)),
	}

	actions, skipped := Diff(c, back, posts, DiffOptions{SyncReposts: true})
	if len(actions) != 0 {
		t.Errorf("echo produced %d actions, want 0", len(actions))
	}
	if len(skipped) != 0 {
		t.Errorf("echo reported as skipped: %v", skipped)
	}
}

func TestDiffStopThreshold(t *testing.T) {
	c := testCache(t)
	for _, id := range []string{"4", "3", "2"} {
		if err := c.Record(platform.Mastodon, id, testBase, ""); err != nil {
			t.Fatal(err)
		}
	}

	// Newest first: one new post, three cached, then an old post the
	// scan must never reach.
	posts := []post.NormalizedPost{
		mkPost(platform.Mastodon, "5", "new", testBase.Add(5*time.Minute)),
		mkPost(platform.Mastodon, "4", "cached", testBase.Add(4*time.Minute)),
		mkPost(platform.Mastodon, "3", "cached", testBase.Add(3*time.Minute)),
		mkPost(platform.Mastodon, "2", "cached", testBase.Add(2*time.Minute)),
		mkPost(platform.Mastodon, "1", "missed by design", testBase),
	}

	actions, _ := Diff(c, testDir, posts, DiffOptions{StopThreshold: 3, SyncReposts: true})

	if len(actions) != 1 {
		t.Fatalf("planned %d actions, want 1", len(actions))
	}
	if got, want := actions[0].Post.SourceID, "5"; got != want {
		t.Errorf("planned post = %s, want %s", got, want)
	}
}

func TestDiffStreakResetBelowThreshold(t *testing.T) {
	c := testCache(t)
	for _, id := range []string{"5", "4", "2"} {
		if err := c.Record(platform.Mastodon, id, testBase, ""); err != nil {
			t.Fatal(err)
		}
	}

	// Two cached, one new, one cached: the streak never reaches three,
	// so the scan covers everything.
	posts := []post.NormalizedPost{
		mkPost(platform.Mastodon, "5", "cached", testBase.Add(4*time.Minute)),
		mkPost(platform.Mastodon, "4", "cached", testBase.Add(3*time.Minute)),
		mkPost(platform.Mastodon, "3", "new", testBase.Add(2*time.Minute)),
		mkPost(platform.Mastodon, "2", "cached", testBase.Add(time.Minute)),
		mkPost(platform.Mastodon, "1", "also new", testBase),
	}

	actions, _ := Diff(c, testDir, posts, DiffOptions{StopThreshold: 3, SyncReposts: true})

	var got []string
	for _, a := range actions {
		got = append(got, a.Post.SourceID)
	}
	if fmt.Sprint(got) != "[1 3]" {
		t.Errorf("planned posts = %v, want [1 3]", got)
	}
}

func TestDiffFilteredPostBreaksStreak(t *testing.T) {
	c := testCache(t)
	for _, id := range []string{"5", "4", "2"} {
		if err := c.Record(platform.Mastodon, id, testBase, ""); err != nil {
			t.Fatal(err)
		}
	}

	reply := mkPost(platform.Mastodon, "3", "a reply", testBase.Add(2*time.Minute))
	reply.InReplyToSourceID = "someone-elses-post"

	posts := []post.NormalizedPost{
		mkPost(platform.Mastodon, "5", "cached", testBase.Add(4*time.Minute)),
		mkPost(platform.Mastodon, "4", "cached", testBase.Add(3*time.Minute)),
		reply,
		mkPost(platform.Mastodon, "2", "cached", testBase.Add(time.Minute)),
		mkPost(platform.Mastodon, "1", "new", testBase),
	}

	actions, skipped := Diff(c, testDir, posts, DiffOptions{StopThreshold: 3, SyncReposts: true})

	if len(actions) != 1 || actions[0].Post.SourceID != "1" {
		t.Errorf("actions = %+v, want just post 1", actions)
	}
	if len(skipped) != 1 || skipped[0].ID != "3" {
		t.Errorf("skipped = %+v, want just post 3", skipped)
	}
}

func TestDiffFilters(t *testing.T) {
	replyToOther := mkPost(platform.Mastodon, "10", "nice take", testBase)
	replyToOther.InReplyToSourceID = "55"

	selfReply := mkPost(platform.Mastodon, "11", "following up", testBase)
	selfReply.InReplyToSourceID = "9"
	selfReply.InReplyToIsSelf = true

	mention := mkPost(platform.Mastodon, "12", "@alice hello there", testBase)

	repost := mkPost(platform.Mastodon, "13", "great post", testBase)
	repost.IsRepost = true
	repost.RepostOfAuthor = "alice"

	mentionRepost := mkPost(platform.Mastodon, "17", "@bob great thread", testBase)
	mentionRepost.IsRepost = true
	mentionRepost.RepostOfAuthor = "bob"

	tagged := mkPost(platform.Mastodon, "14", "launch day #BikeTooter woo", testBase)
	untagged := mkPost(platform.Mastodon, "15", "unrelated musing", testBase)

	empty := mkPost(platform.Mastodon, "16", "", testBase)

	tests := []struct {
		name       string
		post       post.NormalizedPost
		opts       DiffOptions
		wantAction bool
		wantReason string
	}{
		{"reply to another account", replyToOther, DiffOptions{SyncReposts: true}, false, reasonReplyToOther},
		{"self reply accepted", selfReply, DiffOptions{SyncReposts: true}, true, ""},
		{"leading mention", mention, DiffOptions{SyncReposts: true}, false, reasonMentionStart},
		{"repost disabled", repost, DiffOptions{SyncReposts: false}, false, reasonRepostDisabled},
		{"repost enabled", repost, DiffOptions{SyncReposts: true}, true, ""},
		{"repost of mention-addressed post", mentionRepost, DiffOptions{SyncReposts: true}, true, ""},
		{"hashtag present", tagged, DiffOptions{SyncReposts: true, Hashtag: "#biketooter"}, true, ""},
		{"hashtag missing", untagged, DiffOptions{SyncReposts: true, Hashtag: "#biketooter"}, false, reasonMissingHashtag},
		{"empty post", empty, DiffOptions{SyncReposts: true}, false, reasonEmptyPost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCache(t)
			actions, skipped := Diff(c, testDir, []post.NormalizedPost{tt.post}, tt.opts)

			if tt.wantAction {
				if len(actions) != 1 || len(skipped) != 0 {
					t.Fatalf("actions = %d, skipped = %v, want 1 action", len(actions), skipped)
				}
				return
			}
			if len(actions) != 0 {
				t.Fatalf("actions = %+v, want none", actions)
			}
			if len(skipped) != 1 {
				t.Fatalf("skipped = %v, want one entry", skipped)
			}
			if got := skipped[0].Reason; got != tt.wantReason {
				t.Errorf("reason = %q, want %q", got, tt.wantReason)
			}
		})
	}
}

func TestDiffEmptyMediaPostAccepted(t *testing.T) {
	c := testCache(t)
	p := mkPost(platform.Mastodon, "20", "", testBase)
	p.Media = []platform.RawMedia{{URL: "https://files.example.com/cat.png"}}

	actions, skipped := Diff(c, testDir, []post.NormalizedPost{p}, DiffOptions{SyncReposts: true})
	if len(actions) != 1 || len(skipped) != 0 {
		t.Errorf("actions = %d, skipped = %v, want media-only post accepted", len(actions), skipped)
	}
}
