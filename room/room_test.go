package room

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin(t *testing.T) {
	t.Run("UnseenNameCreatesPublicRoomWithDefaultTab", func(t *testing.T) {
		reg := NewRegistry(80, LanguagePython)

		res, err := reg.Join("py-room-1", Member{ID: "c1", User: "ada"}, Public, "")
		require.NoError(t, err)
		assert.True(t, res.Created)
		require.Len(t, res.Snapshot.Tabs, 1)

		tab := res.Snapshot.Tabs[0]
		assert.Equal(t, "tab-1", tab.ID)
		assert.Equal(t, "main.py", tab.Name)
		assert.Equal(t, LanguagePython, tab.Lang)
		assert.Equal(t, TemplatePython, tab.Code)
		assert.Empty(t, res.Snapshot.Messages)
		assert.Equal(t, Message{Author: SystemAuthor, Text: "ada joined."}, res.Notice)
		assert.True(t, reg.IsMember("py-room-1", "c1"))
	})

	t.Run("WrongPasswordForPrivateRoom", func(t *testing.T) {
		reg := NewRegistry(80, LanguagePython)

		_, err := reg.Join("secret", Member{ID: "c1", User: "ada"}, Private, "hunter2")
		require.NoError(t, err)

		res, err := reg.Join("secret", Member{ID: "c2", User: "bob"}, Private, "guess")
		require.ErrorIs(t, err, ErrWrongPassword)
		assert.False(t, res.Created)
		assert.False(t, reg.IsMember("secret", "c2"))

		msgs, err := reg.Messages("secret")
		require.NoError(t, err)
		assert.Len(t, msgs, 1, "failed join must not append a notice")
	})

	t.Run("CorrectPasswordForPrivateRoom", func(t *testing.T) {
		reg := NewRegistry(80, LanguagePython)

		_, err := reg.Join("secret", Member{ID: "c1", User: "ada"}, Private, "hunter2")
		require.NoError(t, err)

		res, err := reg.Join("secret", Member{ID: "c2", User: "bob"}, Public, "hunter2")
		require.NoError(t, err)
		require.Len(t, res.Snapshot.Messages, 1)
		assert.Equal(t, "ada joined.", res.Snapshot.Messages[0].Text)
	})

	t.Run("ExistingRoomKeepsVisibilityAndPassword", func(t *testing.T) {
		reg := NewRegistry(80, LanguagePython)

		first := reg.CreateIfAbsent("r", Private, "one")
		second := reg.CreateIfAbsent("r", Public, "two")
		assert.Same(t, first, second)
		assert.Equal(t, Private, second.Visibility())

		_, err := reg.Join("r", Member{ID: "c1", User: "ada"}, Public, "two")
		require.ErrorIs(t, err, ErrWrongPassword)
	})

	t.Run("SameMemberTwiceAppendsNoNotice", func(t *testing.T) {
		reg := NewRegistry(80, LanguagePython)

		_, err := reg.Join("lobby", Member{ID: "c1", User: "ada"}, Public, "")
		require.NoError(t, err)

		res, err := reg.Join("lobby", Member{ID: "c1", User: "ada"}, Public, "")
		require.NoError(t, err)
		assert.True(t, res.Rejoined)
		assert.False(t, res.Created)
		assert.Empty(t, res.Notice.Text)
		require.Len(t, res.Snapshot.Messages, 1)
		assert.Equal(t, "ada joined.", res.Snapshot.Messages[0].Text)

		sums := reg.Summaries()
		require.Len(t, sums, 1)
		assert.Equal(t, 1, sums[0].Members)
	})
}

func TestParseVisibility(t *testing.T) {
	assert.Equal(t, Private, ParseVisibility("private"))
	assert.Equal(t, Public, ParseVisibility("public"))
	assert.Equal(t, Public, ParseVisibility(""))
	assert.Equal(t, Public, ParseVisibility("PRIVATE"))
}

func TestLeave(t *testing.T) {
	reg := NewRegistry(80, LanguagePython)
	_, err := reg.Join("r", Member{ID: "c1", User: "ada"}, Public, "")
	require.NoError(t, err)
	_, err = reg.Join("r", Member{ID: "c2"}, Public, "")
	require.NoError(t, err)

	msg, ok := reg.Leave("r", "c1")
	require.True(t, ok)
	assert.Equal(t, "ada left.", msg.Text)

	msg, ok = reg.Leave("r", "c2")
	require.True(t, ok)
	assert.Equal(t, "A user left.", msg.Text)

	_, ok = reg.Leave("r", "c1")
	assert.False(t, ok)
	_, ok = reg.Leave("missing", "c1")
	assert.False(t, ok)
}

func TestAppendMessageBounded(t *testing.T) {
	const capacity = 5
	reg := NewRegistry(capacity, LanguagePython)
	reg.CreateIfAbsent("r", Public, "")

	for i := 0; i < 12; i++ {
		_, err := reg.AppendMessage("r", Message{Author: "ada", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)

		msgs, err := reg.Messages("r")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(msgs), capacity)
	}

	msgs, err := reg.Messages("r")
	require.NoError(t, err)
	require.Len(t, msgs, capacity)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", 7+i), m.Text)
	}

	_, err = reg.AppendMessage("missing", Message{Text: "x"})
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestAddTab(t *testing.T) {
	reg := NewRegistry(80, LanguagePython)
	reg.CreateIfAbsent("r", Public, "")

	tabs, err := reg.AddTab("r")
	require.NoError(t, err)
	require.Len(t, tabs, 2)
	assert.Equal(t, "tab-1", tabs[0].ID)
	assert.Equal(t, "tab-2", tabs[1].ID)
	assert.Equal(t, TemplatePython, tabs[1].Code)

	_, err = reg.AddTab("missing")
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestReplaceTabs(t *testing.T) {
	t.Run("LastWriterWins", func(t *testing.T) {
		reg := NewRegistry(80, LanguagePython)
		reg.CreateIfAbsent("r", Public, "")
		tabs, err := reg.AddTab("r")
		require.NoError(t, err)
		a, b := tabs[0], tabs[1]
		require.NotEqual(t, a.ID, b.ID)

		aPrime := a
		aPrime.Code = "print('edited')"
		c := Tab{ID: "tab-c", Name: "app.js", Lang: LanguageJavaScript, Code: TemplateJavaScript}

		got, err := reg.ReplaceTabs("r", []Tab{aPrime, c})
		require.NoError(t, err)
		assert.Equal(t, []Tab{aPrime, c}, got)

		stored, err := reg.Tabs("r")
		require.NoError(t, err)
		assert.Equal(t, []Tab{aPrime, c}, stored)

		_, err = reg.Tab("r", b.ID)
		require.ErrorIs(t, err, ErrTabNotFound)
	})

	t.Run("IdsAreNeverReused", func(t *testing.T) {
		reg := NewRegistry(80, LanguagePython)
		reg.CreateIfAbsent("r", Public, "")

		_, err := reg.ReplaceTabs("r", []Tab{{ID: "tab-2", Name: "x.py", Lang: LanguagePython}})
		require.NoError(t, err)

		tabs, err := reg.AddTab("r")
		require.NoError(t, err)
		require.Len(t, tabs, 2)
		assert.Equal(t, "tab-2", tabs[0].ID)
		assert.Equal(t, "tab-3", tabs[1].ID, "tab-1 was dropped and tab-2 is taken")
	})

	t.Run("EmptyAndDuplicateIdsGetFreshOnes", func(t *testing.T) {
		reg := NewRegistry(80, LanguagePython)
		reg.CreateIfAbsent("r", Public, "")

		got, err := reg.ReplaceTabs("r", []Tab{{ID: "tab-1"}, {ID: "tab-1"}, {}})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "tab-1", got[0].ID)
		assert.Equal(t, "tab-2", got[1].ID)
		assert.Equal(t, "tab-3", got[2].ID)
	})
}

func TestTabCodeAndOutput(t *testing.T) {
	reg := NewRegistry(80, LanguagePython)
	reg.CreateIfAbsent("r", Public, "")

	require.NoError(t, reg.SetTabCode("r", "tab-1", "print(1)"))
	require.NoError(t, reg.SetTabOutput("r", "tab-1", "1\n"))

	tab, err := reg.Tab("r", "tab-1")
	require.NoError(t, err)
	assert.Equal(t, "print(1)", tab.Code)
	assert.Equal(t, "1\n", tab.Output)

	require.ErrorIs(t, reg.SetTabCode("r", "tab-9", "x"), ErrTabNotFound)
	require.ErrorIs(t, reg.SetTabOutput("missing", "tab-1", "x"), ErrRoomNotFound)
}

func TestSnapshotIsACopy(t *testing.T) {
	reg := NewRegistry(80, LanguagePython)
	reg.CreateIfAbsent("r", Public, "")

	snap, err := reg.Snapshot("r")
	require.NoError(t, err)
	snap.Tabs[0].Code = "mutated"

	tab, err := reg.Tab("r", "tab-1")
	require.NoError(t, err)
	assert.Equal(t, TemplatePython, tab.Code)
}

func TestSummaries(t *testing.T) {
	reg := NewRegistry(80, LanguageJavaScript)
	_, err := reg.Join("b", Member{ID: "c1", User: "ada"}, Private, "pw")
	require.NoError(t, err)
	reg.CreateIfAbsent("a", Public, "")

	sums := reg.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, Summary{Name: "a", Visibility: Public, Tabs: 1, Members: 0}, sums[0])
	assert.Equal(t, Summary{Name: "b", Visibility: Private, Tabs: 1, Members: 1}, sums[1])
	assert.Equal(t, 2, reg.Len())

	tabs, err := reg.Tabs("a")
	require.NoError(t, err)
	assert.Equal(t, "app.js", tabs[0].Name)
}

func TestTemplateFor(t *testing.T) {
	tests := []struct {
		language string
		name     string
	}{
		{LanguagePython, "main.py"},
		{LanguageJavaScript, "app.js"},
		{LanguageHTML, "index.html"},
		{"cobol", "main.py"},
	}

	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			assert.Equal(t, tt.name, TemplateFor(tt.language).Name)
		})
	}
}

func TestRegistryConcurrency(t *testing.T) {
	reg := NewRegistry(1000, LanguagePython)
	reg.CreateIfAbsent("r", Public, "")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = reg.AddTab("r")
			_, _ = reg.AppendMessage("r", Message{Author: "u", Text: fmt.Sprint(i)})
		}(i)
	}
	wg.Wait()

	tabs, err := reg.Tabs("r")
	require.NoError(t, err)
	assert.Len(t, tabs, 51)

	ids := make(map[string]struct{})
	for _, tab := range tabs {
		ids[tab.ID] = struct{}{}
	}
	assert.Len(t, ids, 51)
}
