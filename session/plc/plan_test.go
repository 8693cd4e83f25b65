package plc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/twinsync/gateway/model"
)

func TestUnionPlan_DedupesCaseInsensitivelyOnPathAndExpand(t *testing.T) {
	union := unionPlan([]model.MachineDataPlan{
		{Items: []model.MachineDataItem{{Path: "Program:MainProgram.PartCount"}}},
		{Items: []model.MachineDataItem{{Path: "program:mainprogram.partcount"}}},
	})
	assert.Len(t, union, 1)
}

func TestUnionPlan_DropsEmptyTrimsWhitespace(t *testing.T) {
	union := unionPlan([]model.MachineDataPlan{
		{Items: []model.MachineDataItem{{Path: "  "}, {Path: " Tag1 "}}},
	})
	assert.Len(t, union, 1)
	assert.Equal(t, "Tag1", union[0].Path)
}

func TestUnionPlan_SortsByPathThenExpand(t *testing.T) {
	union := unionPlan([]model.MachineDataPlan{
		{Items: []model.MachineDataItem{
			{Path: "Zeta"},
			{Path: "alpha"},
			{Path: "Beta", Expand: model.ExpandUDT},
		}},
	})
	require := assert.New(t)
	require.Equal("alpha", union[0].Path)
	require.Equal("Beta", union[1].Path)
	require.Equal("Zeta", union[2].Path)
}

func TestUnionPlan_UnknownExpandNormalizedToEmpty(t *testing.T) {
	union := unionPlan([]model.MachineDataPlan{
		{Items: []model.MachineDataItem{{Path: "Tag1", Expand: "bogus"}}},
	})
	assert.Equal(t, "", union[0].Expand)
}

func TestUnionPlan_TruncatesToMaxItems(t *testing.T) {
	items := make([]model.MachineDataItem, 0, model.MachineDataMaxItems+5)
	for i := 0; i < model.MachineDataMaxItems+5; i++ {
		items = append(items, model.MachineDataItem{Path: string(rune('a'+i%26)) + "_" + string(rune(i))})
	}
	union := unionPlan([]model.MachineDataPlan{{Items: items}})
	assert.Len(t, union, model.MachineDataMaxItems)
}
