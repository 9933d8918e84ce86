package document

import (
	"fmt"
	"testing"

	"gorm.io/gorm"
)

func insertChain(t *testing.T, db *gorm.DB, kind Kind, projectID, logicalKey string, versions, position int) {
	t.Helper()
	for number := 1; number <= versions; number++ {
		pos := position
		row := Version{
			ID:            fmt.Sprintf("%s-v%d", logicalKey, number),
			Kind:          kind,
			ProjectID:     projectID,
			LogicalKey:    logicalKey,
			VersionNumber: number,
			VersionType:   VersionTypeBase,
			OrderPosition: &pos,
		}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("failed to insert chain row: %v", err)
		}
	}
}

func chainPositions(t *testing.T, db *gorm.DB, kind Kind, projectID string, logicalKeys ...string) []int {
	t.Helper()
	positions := make([]int, 0, len(logicalKeys))
	for _, logicalKey := range logicalKeys {
		position, err := chainPosition(db, kind, projectID, logicalKey)
		if err != nil {
			t.Fatalf("failed to read position of %q: %v", logicalKey, err)
		}
		positions = append(positions, position)
	}
	return positions
}

func TestInsertPositionAppendsAndShifts(t *testing.T) {
	db := openTestDatabase(t, "sequencer_insert")
	insertChain(t, db, KindSceneText, "project-1", "scene-a", 2, 1)
	insertChain(t, db, KindSceneText, "project-1", "scene-b", 1, 2)

	appended, err := insertPosition(db, KindSceneText, "project-1", nil)
	if err != nil {
		t.Fatalf("append position failed: %v", err)
	}
	if appended != 3 {
		t.Fatalf("expected append position 3, got %d", appended)
	}

	after := 1
	inserted, err := insertPosition(db, KindSceneText, "project-1", &after)
	if err != nil {
		t.Fatalf("insert position failed: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("expected insert position 2, got %d", inserted)
	}
	// every version row of the displaced chain moves together.
	positions := chainPositions(t, db, KindSceneText, "project-1", "scene-a", "scene-b")
	if positions[0] != 1 || positions[1] != 3 {
		t.Fatalf("expected scene-a at 1 and scene-b shifted to 3, got %v", positions)
	}

	beyond := 99
	clamped, err := insertPosition(db, KindSceneText, "project-1", &beyond)
	if err != nil {
		t.Fatalf("insert beyond end failed: %v", err)
	}
	if clamped != 3 {
		t.Fatalf("expected past-the-end insert to append at 3, got %d", clamped)
	}
}

func TestMoveChainForwardAndBackward(t *testing.T) {
	db := openTestDatabase(t, "sequencer_move")
	keys := []string{"scene-a", "scene-b", "scene-c", "scene-d"}
	for index, key := range keys {
		insertChain(t, db, KindSceneText, "project-1", key, 2, index+1)
	}

	if err := moveChain(db, KindSceneText, "project-1", "scene-a", 1, 3); err != nil {
		t.Fatalf("forward move failed: %v", err)
	}
	got := chainPositions(t, db, KindSceneText, "project-1", keys...)
	want := []int{3, 1, 2, 4}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("after forward move expected %v, got %v", want, got)
		}
	}

	if err := moveChain(db, KindSceneText, "project-1", "scene-d", 4, 1); err != nil {
		t.Fatalf("backward move failed: %v", err)
	}
	got = chainPositions(t, db, KindSceneText, "project-1", keys...)
	want = []int{4, 2, 3, 1}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("after backward move expected %v, got %v", want, got)
		}
	}
}

func TestCompactPositionsRenumbersDensely(t *testing.T) {
	db := openTestDatabase(t, "sequencer_compact")
	insertChain(t, db, KindSceneText, "project-1", "scene-a", 1, 2)
	insertChain(t, db, KindSceneText, "project-1", "scene-b", 3, 5)
	insertChain(t, db, KindSceneText, "project-1", "scene-c", 1, 9)

	if err := compactPositions(db, KindSceneText, "project-1"); err != nil {
		t.Fatalf("compact failed: %v", err)
	}
	got := chainPositions(t, db, KindSceneText, "project-1", "scene-a", "scene-b", "scene-c")
	want := []int{1, 2, 3}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("expected dense positions %v, got %v", want, got)
		}
	}
}

func TestClampPosition(t *testing.T) {
	cases := []struct {
		position int
		count    int
		want     int
	}{
		{position: 0, count: 3, want: 1},
		{position: -4, count: 3, want: 1},
		{position: 2, count: 3, want: 2},
		{position: 7, count: 3, want: 3},
	}
	for _, testCase := range cases {
		if got := clampPosition(testCase.position, testCase.count); got != testCase.want {
			t.Fatalf("clamp(%d, %d) = %d, want %d", testCase.position, testCase.count, got, testCase.want)
		}
	}
}
