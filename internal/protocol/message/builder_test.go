package message

import (
	"bytes"
	"strings"
	"testing"

	"github.com/danmuck/labctl/internal/protocol/document"
	"github.com/danmuck/labctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSet(t *testing.T) {
	testlog.Start(t)
	doc, err := BuildSet("Solvent", "DMSO")
	require.NoError(t, err)
	assert.Equal(t, KindSet, doc.Tag())
	assert.Equal(t, "DMSO", doc.Kind().ChildText("Solvent"))
}

func TestBuildGet(t *testing.T) {
	testlog.Start(t)
	doc, err := BuildGet("Sample")
	require.NoError(t, err)
	assert.Equal(t, KindGet, doc.Tag())
	_, ok := doc.Kind().Child("Sample")
	assert.True(t, ok)
}

func TestBuildStartPreservesOptionOrder(t *testing.T) {
	testlog.Start(t)
	var opts Options
	opts.Set("Zeta", "1")
	opts.Set("Alpha", "2")
	opts.Set("Mid", "3")
	opts.Set("Zeta", "4") // replaced in place, position kept

	raw, err := Start("1D EXTENDED+", opts).Encode()
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(raw, []byte(document.Declaration)))

	doc, err := document.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "1D EXTENDED+", doc.Kind().AttrOr("protocol", ""))

	got := doc.Kind().ChildrenNamed("Option")
	require.Len(t, got, 3)
	names := []string{got[0].AttrOr("name", ""), got[1].AttrOr("name", ""), got[2].AttrOr("name", "")}
	assert.Equal(t, []string{"Zeta", "Alpha", "Mid"}, names)
	assert.Equal(t, "4", got[0].AttrOr("value", ""))
}

func TestBuildIsDeterministic(t *testing.T) {
	testlog.Start(t)
	spec := Start("1D PROTON", NewOptions(Option{"Scan", "StandardScan"}, Option{"Number", "8"}))
	a, err := spec.Encode()
	require.NoError(t, err)
	b, err := spec.Encode()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBuildSetDataFolderModes(t *testing.T) {
	testlog.Start(t)
	for _, mode := range []string{FolderTimeStampTree, FolderTimeStamp, FolderUser} {
		doc, err := BuildSetDataFolder(`D:\nmr\exp`, mode)
		require.NoError(t, err)
		folder, ok := doc.Kind().Child("DataFolder")
		require.True(t, ok)
		assert.Equal(t, `D:\nmr\exp`, folder.ChildText(mode))
	}
}

func TestBuildSetDataFolderUnknownModeFallsBack(t *testing.T) {
	testlog.Start(t)
	doc, err := BuildSetDataFolder("/data", "Weekly")
	require.NoError(t, err)
	folder, ok := doc.Kind().Child("DataFolder")
	require.True(t, ok)
	assert.Equal(t, "/data", folder.ChildText(FolderTimeStampTree))
	_, bad := folder.Child("Weekly")
	assert.False(t, bad)
}

func TestBuildSetUserData(t *testing.T) {
	testlog.Start(t)
	doc, err := SetUserData(NewOptions(Option{"Reaction", "R-17"}, Option{"Operator", "lab2"})).Build()
	require.NoError(t, err)
	ud, ok := doc.Kind().Child("UserData")
	require.True(t, ok)
	data := ud.ChildrenNamed("Data")
	require.Len(t, data, 2)
	assert.Equal(t, "Reaction", data[0].AttrOr("key", ""))
	assert.Equal(t, "lab2", data[1].AttrOr("value", ""))
}

func TestBuildBareRequest(t *testing.T) {
	testlog.Start(t)
	raw, err := Request(KindHardware, AckHardware).Encode()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), "<Message><HardwareRequest/></Message>"), "got %s", raw)
}

func TestBuildRejectsInvalidCharacters(t *testing.T) {
	testlog.Start(t)
	_, err := BuildSet("Sample", "bad\x07")
	require.ErrorIs(t, err, ErrEncoding)
	_, err = BuildStart("1D PROTON", NewOptions(Option{"Scan", "x\x00"}))
	require.ErrorIs(t, err, ErrEncoding)
}

func TestBuildRejectsInvalidElementName(t *testing.T) {
	testlog.Start(t)
	for _, name := range []string{"bad name", "a<b", "1Solvent", "-x", `q"`} {
		_, err := BuildSet(name, "x")
		require.ErrorIs(t, err, ErrEncoding, "name %q", name)
	}
	_, err := BuildSet("Solvent", "x")
	require.NoError(t, err)

	_, err = RequestSpec{Kind: KindSet, Target: "Shim", Options: NewOptions(Option{"Quick Shim", "on"})}.Build()
	require.ErrorIs(t, err, ErrEncoding)
	_, err = RequestSpec{Kind: "Hardware Request"}.Encode()
	require.ErrorIs(t, err, ErrEncoding)
}

func TestBuildRejectsMissingTarget(t *testing.T) {
	testlog.Start(t)
	_, err := RequestSpec{Kind: KindGet}.Build()
	require.ErrorIs(t, err, ErrInvalidSpec)
	_, err = RequestSpec{}.Build()
	require.ErrorIs(t, err, ErrInvalidSpec)
}

func TestOptionsDelete(t *testing.T) {
	testlog.Start(t)
	o := NewOptions(Option{"a", "1"}, Option{"b", "2"}, Option{"c", "3"})
	o.Delete("b")
	require.Equal(t, 2, o.Len())
	items := o.Items()
	assert.Equal(t, "a", items[0].Name)
	assert.Equal(t, "c", items[1].Name)
	_, ok := o.Get("b")
	assert.False(t, ok)
}

func TestBuildEstimateDuration(t *testing.T) {
	testlog.Start(t)
	doc, err := BuildEstimateDuration("1D PROTON", NewOptions(Option{"Number", "4"}))
	require.NoError(t, err)
	assert.Equal(t, KindEstimateDuration, doc.Tag())
	assert.Equal(t, "1D PROTON", doc.Kind().AttrOr("protocol", ""))
	require.Len(t, doc.Kind().ChildrenNamed("Option"), 1)

	doc, err = BuildRequest(KindCheckShim)
	require.NoError(t, err)
	assert.Empty(t, doc.Kind().Children())
}
