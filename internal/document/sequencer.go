package document

import (
	"gorm.io/gorm"
)

// Sequenced kinds keep a dense 1..N order position per project. The position
// is shared by every version row of a logical key, so every helper here
// updates whole chains, and every mutation leaves the positions a dense
// permutation of 1..N.

const (
	queryProjectKind          = "project_id = ? AND kind = ?"
	queryProjectKindChain     = "project_id = ? AND kind = ? AND logical_key = ?"
	queryPositionAtOrAbove    = queryProjectKind + " AND order_position >= ?"
	columnOrderPosition       = "order_position"
	exprShiftUp               = "order_position + 1"
	exprShiftDown             = "order_position - 1"
)

// chainCount returns the number of distinct logical keys for a sequenced kind
// within a project.
func chainCount(tx *gorm.DB, kind Kind, projectID string) (int, error) {
	var count int64
	err := tx.Model(&Version{}).
		Where(queryProjectKind, projectID, kind).
		Distinct("logical_key").
		Count(&count).Error
	return int(count), err
}

// chainPosition returns the order position shared by the chain's versions.
func chainPosition(tx *gorm.DB, kind Kind, projectID, logicalKey string) (int, error) {
	var row Version
	err := tx.Select(columnOrderPosition).
		Where(queryProjectKindChain, projectID, kind, logicalKey).
		Take(&row).Error
	if err != nil {
		return 0, err
	}
	if row.OrderPosition == nil {
		return 0, nil
	}
	return *row.OrderPosition, nil
}

// insertPosition computes the position for a new chain and shifts existing
// siblings to make room. A nil afterPosition appends; otherwise the new chain
// lands immediately after the nearest existing sibling at or below the
// requested position.
func insertPosition(tx *gorm.DB, kind Kind, projectID string, afterPosition *int) (int, error) {
	count, err := chainCount(tx, kind, projectID)
	if err != nil {
		return 0, err
	}
	if afterPosition == nil || *afterPosition >= count {
		return count + 1, nil
	}
	after := *afterPosition
	if after < 0 {
		after = 0
	}
	target := after + 1
	err = tx.Model(&Version{}).
		Where(queryPositionAtOrAbove, projectID, kind, target).
		Update(columnOrderPosition, gorm.Expr(exprShiftUp)).Error
	if err != nil {
		return 0, err
	}
	return target, nil
}

// moveChain reassigns a chain to newPosition, shifting only the affected
// sibling range. newPosition is assumed clamped to [1, count] by the caller.
func moveChain(tx *gorm.DB, kind Kind, projectID, logicalKey string, oldPosition, newPosition int) error {
	if oldPosition == newPosition {
		return nil
	}
	if newPosition > oldPosition {
		// Moving forward: everyone strictly after the old slot, up to and
		// including the new slot, steps back by one.
		err := tx.Model(&Version{}).
			Where(queryProjectKind+" AND order_position > ? AND order_position <= ?",
				projectID, kind, oldPosition, newPosition).
			Update(columnOrderPosition, gorm.Expr(exprShiftDown)).Error
		if err != nil {
			return err
		}
	} else {
		err := tx.Model(&Version{}).
			Where(queryProjectKind+" AND order_position >= ? AND order_position < ?",
				projectID, kind, newPosition, oldPosition).
			Update(columnOrderPosition, gorm.Expr(exprShiftUp)).Error
		if err != nil {
			return err
		}
	}
	return tx.Model(&Version{}).
		Where(queryProjectKindChain, projectID, kind, logicalKey).
		Update(columnOrderPosition, newPosition).Error
}

// compactPositions renumbers the remaining chains densely after a deletion.
func compactPositions(tx *gorm.DB, kind Kind, projectID string) error {
	type chainRow struct {
		LogicalKey    string
		OrderPosition int
	}
	var rows []chainRow
	err := tx.Model(&Version{}).
		Select("logical_key", columnOrderPosition).
		Where(queryProjectKind, projectID, kind).
		Group("logical_key").
		Order(columnOrderPosition + " ASC").
		Find(&rows).Error
	if err != nil {
		return err
	}
	for index, row := range rows {
		wanted := index + 1
		if row.OrderPosition == wanted {
			continue
		}
		err := tx.Model(&Version{}).
			Where(queryProjectKindChain, projectID, kind, row.LogicalKey).
			Update(columnOrderPosition, wanted).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// clampPosition bounds a requested position to [1, count].
func clampPosition(position, count int) int {
	if position < 1 {
		return 1
	}
	if position > count {
		return count
	}
	return position
}
