package core

import (
	"encoding/binary"
	"fmt"

	"datamesh-network/pkg/utils"
)

// Protocol opcodes, framed as opcode:u32 BE ∥ body.
const (
	OpFetchRequest           uint32 = 1
	OpFetchResponse          uint32 = 2
	OpStoreRequest           uint32 = 3
	OpStoreResponse          uint32 = 4
	OpUnsubscribeRequest     uint32 = 5
	OpUnsubscribeResponse    uint32 = 6
	OpWriteBlobRequest       uint32 = 7
	OpWriteBlobResponse      uint32 = 8
	OpReadBlobRequest        uint32 = 9
	OpReadBlobResponse       uint32 = 10
	OpGenericMessageRequest  uint32 = 11
	OpGenericMessageResponse uint32 = 12
)

// Status codes carried by every response.
type Status uint8

const (
	StatusResult Status = iota + 1
	StatusMalformed
	StatusError
	StatusStoreFailed
	StatusFetchFailed
	StatusMissingRootnode
	StatusRootnodeLicensed
	StatusNotAllowed
	StatusMismatch
	StatusExists
	StatusMissingCursor
	StatusDroppedTrigger
)

func (s Status) String() string {
	switch s {
	case StatusResult:
		return "Result"
	case StatusMalformed:
		return "Malformed"
	case StatusError:
		return "Error"
	case StatusStoreFailed:
		return "StoreFailed"
	case StatusFetchFailed:
		return "FetchFailed"
	case StatusMissingRootnode:
		return "MissingRootnode"
	case StatusRootnodeLicensed:
		return "RootnodeLicensed"
	case StatusNotAllowed:
		return "NotAllowed"
	case StatusMismatch:
		return "Mismatch"
	case StatusExists:
		return "Exists"
	case StatusMissingCursor:
		return "MissingCursor"
	case StatusDroppedTrigger:
		return "DroppedTrigger"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// SerializeFormatFields identifies the body serialisation both peers must
// agree on in their handshake: the core index-tagged field format.
const SerializeFormatFields uint16 = 0

// IncludeLicenses values accepted on a fetch query.
const (
	IncludeLicensesNone   = ""
	IncludeLicenses       = "Include"
	IncludeLicensesExtend = "IncludeExtend"
)

// Filter matches one field of a node image against a comparison value.
type Filter struct {
	Field    string
	Operator string
	Cmp      string
	Value    []byte
}

// Match selects node types and filters inside a fetch query.
type Match struct {
	NodeType  []byte
	Filters   []Filter
	Limit     int32
	Discard   bool
	Bottom    bool
	ID        uint32
	RequireID uint32
	CursorID1 []byte
}

// AllowEmbed whitelists a node type for embedding on the way out.
type AllowEmbed struct {
	NodeType []byte
	Filters  []Filter
}

// FetchQuery is the storage query of a fetch request.
type FetchQuery struct {
	Depth              int32
	Limit              int32
	CutoffTime         uint64
	RootNodeID1        []byte
	DiscardRoot        bool
	ParentID           []byte
	TargetPublicKey    []byte
	SourcePublicKey    []byte
	Match              []Match
	Embed              []AllowEmbed
	TriggerNodeID      []byte
	TriggerInterval    uint32
	OnlyTrigger        bool
	Descending         bool
	OrderByStorageTime bool
	IgnoreInactive     bool
	IgnoreOwn          bool
	PreserveTransient  bool
	Region             string
	Jurisdiction       string
	IncludeLicenses    string
}

// FetchCRDT selects a CRDT view over the fetch result.
type FetchCRDT struct {
	Algo        string
	Conf        []byte
	MsgID       []byte
	Reverse     bool
	Head        int32
	Tail        int32
	CursorID1   []byte
	CursorIndex int32
}

// FetchRequest asks a peer's storage for nodes, optionally subscribing.
type FetchRequest struct {
	Query FetchQuery
	CRDT  FetchCRDT
}

// IsSubscription reports whether the request installs a trigger.
func (r *FetchRequest) IsSubscription() bool {
	return len(r.Query.TriggerNodeID) > 0 || r.Query.TriggerInterval > 0
}

// FetchResponse is one streamed chunk of a fetch reply.
type FetchResponse struct {
	Status      Status
	Nodes       [][]byte
	Embed       [][]byte
	RowCount    uint32
	Error       string
	Seq         uint32
	EndSeq      uint32
	CRDTView    []byte
	CursorIndex int32
}

// StoreRequest pushes node images toward a peer's storage.
type StoreRequest struct {
	Nodes             [][]byte
	SourcePublicKey   []byte
	TargetPublicKey   []byte
	MuteMsgIDs        [][]byte
	PreserveTransient bool
	BatchID           uint32
	HasMore           bool
}

// StoreResponse acknowledges stored ids and lists blobs the storage still
// misses.
type StoreResponse struct {
	Status           Status
	StoredID1s       [][]byte
	MissingBlobID1s  [][]byte
	MissingBlobSizes []uint64
	Error            string
}

// ReadBlobRequest streams a slice of a node's blob.
type ReadBlobRequest struct {
	NodeID1         []byte
	TargetPublicKey []byte
	SourcePublicKey []byte
	Pos             uint64
	Length          uint32
}

// ReadBlobResponse is one streamed chunk of blob data.
type ReadBlobResponse struct {
	Status     Status
	Data       []byte
	Seq        uint32
	EndSeq     uint32
	BlobLength uint64
	Error      string
}

// WriteBlobRequest writes a slice of blob data at a position.
type WriteBlobRequest struct {
	NodeID1         []byte
	TargetPublicKey []byte
	SourcePublicKey []byte
	Pos             uint64
	Data            []byte
}

// WriteBlobResponse reports the current on-disk length, enabling resume.
type WriteBlobResponse struct {
	Status        Status
	CurrentLength uint64
	Error         string
}

// UnsubscribeRequest cancels a prior fetch subscription.
type UnsubscribeRequest struct {
	OriginalMsgID   []byte
	TargetPublicKey []byte
}

// UnsubscribeResponse acknowledges an unsubscribe.
type UnsubscribeResponse struct {
	Status Status
	Error  string
}

// GenericMessageRequest is the opaque application-layer channel.
type GenericMessageRequest struct {
	Action          string
	SourcePublicKey []byte
	Data            []byte
}

// GenericMessageResponse answers a generic message.
type GenericMessageResponse struct {
	Status Status
	Data   []byte
	Error  string
}

// ---------------------------------------------------------------------
// Body schemas. Bodies are serialised with the core field codec; repeated
// fields nest as array schemas.
// ---------------------------------------------------------------------

var bytesListSchema = Schema{
	ArrayField: {Type: FieldBytes},
}

var uint64ListSchema = Schema{
	ArrayField: {Type: FieldUInt64BE},
}

var filterSchema = Schema{
	"field":    {Index: 0, Type: FieldString, Required: true, MaxSize: 64},
	"operator": {Index: 1, Type: FieldString, MaxSize: 16},
	"cmp":      {Index: 2, Type: FieldString, Required: true, MaxSize: 16},
	"value":    {Index: 3, Type: FieldBytes},
}

var filterListSchema = Schema{
	ArrayField: {Type: FieldSchema, Schema: filterSchema},
}

var matchSchema = Schema{
	"nodeType":  {Index: 0, Type: FieldBytes, Required: true, MaxSize: 8},
	"filters":   {Index: 1, Type: FieldSchema, Schema: filterListSchema},
	"limit":     {Index: 2, Type: FieldInt32BE},
	"discard":   {Index: 3, Type: FieldUInt8},
	"bottom":    {Index: 4, Type: FieldUInt8},
	"id":        {Index: 5, Type: FieldUInt32BE},
	"requireId": {Index: 6, Type: FieldUInt32BE},
	"cursorId1": {Index: 7, Type: FieldBytes, MaxSize: HashLength},
}

var matchListSchema = Schema{
	ArrayField: {Type: FieldSchema, Schema: matchSchema},
}

var allowEmbedSchema = Schema{
	"nodeType": {Index: 0, Type: FieldBytes, Required: true, MaxSize: 8},
	"filters":  {Index: 1, Type: FieldSchema, Schema: filterListSchema},
}

var allowEmbedListSchema = Schema{
	ArrayField: {Type: FieldSchema, Schema: allowEmbedSchema},
}

var fetchQuerySchema = Schema{
	"depth":              {Index: 0, Type: FieldInt32BE},
	"limit":              {Index: 1, Type: FieldInt32BE},
	"cutoffTime":         {Index: 2, Type: FieldUInt64BE},
	"rootNodeId1":        {Index: 3, Type: FieldBytes, MaxSize: HashLength},
	"discardRoot":        {Index: 4, Type: FieldUInt8},
	"parentId":           {Index: 5, Type: FieldBytes, MaxSize: HashLength},
	"targetPublicKey":    {Index: 6, Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
	"sourcePublicKey":    {Index: 7, Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
	"match":              {Index: 8, Type: FieldSchema, Schema: matchListSchema},
	"embed":              {Index: 9, Type: FieldSchema, Schema: allowEmbedListSchema},
	"triggerNodeId":      {Index: 10, Type: FieldBytes, MaxSize: HashLength},
	"triggerInterval":    {Index: 11, Type: FieldUInt32BE},
	"onlyTrigger":        {Index: 12, Type: FieldUInt8},
	"descending":         {Index: 13, Type: FieldUInt8},
	"orderByStorageTime": {Index: 14, Type: FieldUInt8},
	"ignoreInactive":     {Index: 15, Type: FieldUInt8},
	"ignoreOwn":          {Index: 16, Type: FieldUInt8},
	"preserveTransient":  {Index: 17, Type: FieldUInt8},
	"region":             {Index: 18, Type: FieldString, MaxSize: 32},
	"jurisdiction":       {Index: 19, Type: FieldString, MaxSize: 32},
	"includeLicenses":    {Index: 20, Type: FieldString, MaxSize: 16},
}

var fetchCRDTSchema = Schema{
	"algo":        {Index: 0, Type: FieldString, MaxSize: 32},
	"conf":        {Index: 1, Type: FieldBytes},
	"msgId":       {Index: 2, Type: FieldBytes, MaxSize: MsgIDLength},
	"reverse":     {Index: 3, Type: FieldUInt8},
	"head":        {Index: 4, Type: FieldInt32BE},
	"tail":        {Index: 5, Type: FieldInt32BE},
	"cursorId1":   {Index: 6, Type: FieldBytes, MaxSize: HashLength},
	"cursorIndex": {Index: 7, Type: FieldInt32BE},
}

var fetchRequestSchema = Schema{
	"query": {Index: 0, Type: FieldSchema, Schema: fetchQuerySchema, Required: true},
	"crdt":  {Index: 1, Type: FieldSchema, Schema: fetchCRDTSchema},
}

var fetchResponseSchema = Schema{
	"status":      {Index: 0, Type: FieldUInt8, Required: true},
	"nodes":       {Index: 1, Type: FieldSchema, Schema: bytesListSchema},
	"embed":       {Index: 2, Type: FieldSchema, Schema: bytesListSchema},
	"rowCount":    {Index: 3, Type: FieldUInt32BE},
	"error":       {Index: 4, Type: FieldString, MaxSize: 512},
	"seq":         {Index: 5, Type: FieldUInt32BE},
	"endSeq":      {Index: 6, Type: FieldUInt32BE},
	"crdtView":    {Index: 7, Type: FieldBytes},
	"cursorIndex": {Index: 8, Type: FieldInt32BE},
}

var storeRequestSchema = Schema{
	"nodes":             {Index: 0, Type: FieldSchema, Schema: bytesListSchema},
	"sourcePublicKey":   {Index: 1, Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
	"targetPublicKey":   {Index: 2, Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
	"muteMsgIds":        {Index: 3, Type: FieldSchema, Schema: bytesListSchema},
	"preserveTransient": {Index: 4, Type: FieldUInt8},
	"batchId":           {Index: 5, Type: FieldUInt32BE},
	"hasMore":           {Index: 6, Type: FieldUInt8},
}

var storeResponseSchema = Schema{
	"status":           {Index: 0, Type: FieldUInt8, Required: true},
	"storedId1s":       {Index: 1, Type: FieldSchema, Schema: bytesListSchema},
	"missingBlobId1s":  {Index: 2, Type: FieldSchema, Schema: bytesListSchema},
	"missingBlobSizes": {Index: 3, Type: FieldSchema, Schema: uint64ListSchema},
	"error":            {Index: 4, Type: FieldString, MaxSize: 512},
}

var readBlobRequestSchema = Schema{
	"nodeId1":         {Index: 0, Type: FieldBytes32, Required: true},
	"targetPublicKey": {Index: 1, Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
	"sourcePublicKey": {Index: 2, Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
	"pos":             {Index: 3, Type: FieldUInt64BE},
	"length":          {Index: 4, Type: FieldUInt32BE},
}

var readBlobResponseSchema = Schema{
	"status":     {Index: 0, Type: FieldUInt8, Required: true},
	"data":       {Index: 1, Type: FieldBytes},
	"seq":        {Index: 2, Type: FieldUInt32BE},
	"endSeq":     {Index: 3, Type: FieldUInt32BE},
	"blobLength": {Index: 4, Type: FieldUInt64BE},
	"error":      {Index: 5, Type: FieldString, MaxSize: 512},
}

var writeBlobRequestSchema = Schema{
	"nodeId1":         {Index: 0, Type: FieldBytes32, Required: true},
	"targetPublicKey": {Index: 1, Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
	"sourcePublicKey": {Index: 2, Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
	"pos":             {Index: 3, Type: FieldUInt64BE},
	"data":            {Index: 4, Type: FieldBytes},
}

var writeBlobResponseSchema = Schema{
	"status":        {Index: 0, Type: FieldUInt8, Required: true},
	"currentLength": {Index: 1, Type: FieldUInt64BE},
	"error":         {Index: 2, Type: FieldString, MaxSize: 512},
}

var unsubscribeRequestSchema = Schema{
	"originalMsgId":   {Index: 0, Type: FieldBytes, Required: true, MaxSize: MsgIDLength},
	"targetPublicKey": {Index: 1, Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
}

var unsubscribeResponseSchema = Schema{
	"status": {Index: 0, Type: FieldUInt8, Required: true},
	"error":  {Index: 1, Type: FieldString, MaxSize: 512},
}

var genericMessageRequestSchema = Schema{
	"action":          {Index: 0, Type: FieldString, Required: true, MaxSize: 64},
	"sourcePublicKey": {Index: 1, Type: FieldBytes, MaxSize: EdwardsPublicKeyLength},
	"data":            {Index: 2, Type: FieldBytes},
}

var genericMessageResponseSchema = Schema{
	"status": {Index: 0, Type: FieldUInt8, Required: true},
	"data":   {Index: 1, Type: FieldBytes},
	"error":  {Index: 2, Type: FieldString, MaxSize: 512},
}

// ---------------------------------------------------------------------
// Framing
// ---------------------------------------------------------------------

// FrameMessage prepends the opcode to a packed body.
func FrameMessage(opcode uint32, body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, opcode)
	copy(out[4:], body)
	return out
}

// SplitFrame separates opcode and body.
func SplitFrame(frame []byte) (uint32, []byte, error) {
	if len(frame) < 4 {
		return 0, nil, utils.Wrap(ErrMalformed, "frame shorter than opcode")
	}
	return binary.BigEndian.Uint32(frame), frame[4:], nil
}

// ---------------------------------------------------------------------
// Prop conversion helpers
// ---------------------------------------------------------------------

func boolByte(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func propBool(props map[string]any, name string) bool {
	v, _ := toUint64(props[name])
	return v == 1
}

func propUint(props map[string]any, name string) uint64 {
	v, _ := toUint64(props[name])
	return v
}

func propInt(props map[string]any, name string) int64 {
	v, _ := toInt64(props[name])
	return v
}

func propBytes(props map[string]any, name string) []byte {
	b, _ := props[name].([]byte)
	return b
}

func propString(props map[string]any, name string) string {
	s, _ := props[name].(string)
	return s
}

func setIf(props map[string]any, name string, cond bool, value any) {
	if cond {
		props[name] = value
	}
}

func packBytesList(items [][]byte) ([]byte, error) {
	if items == nil {
		return nil, nil
	}
	list := make([]any, len(items))
	for i, item := range items {
		list[i] = item
	}
	return Pack(bytesListSchema, map[string]any{ArrayField: list}, MaxSignedIndex)
}

func unpackBytesList(value any) ([][]byte, error) {
	raw, ok := value.([]byte)
	if !ok || raw == nil {
		return nil, nil
	}
	props, err := Unpack(raw, bytesListSchema, false, MaxEntryIndex)
	if err != nil {
		return nil, err
	}
	items, _ := props[ArrayField].([]any)
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		b, _ := item.([]byte)
		out = append(out, b)
	}
	return out, nil
}

func packUint64List(items []uint64) ([]byte, error) {
	if items == nil {
		return nil, nil
	}
	list := make([]any, len(items))
	for i, item := range items {
		list[i] = item
	}
	return Pack(uint64ListSchema, map[string]any{ArrayField: list}, MaxSignedIndex)
}

func unpackUint64List(value any) ([]uint64, error) {
	raw, ok := value.([]byte)
	if !ok || raw == nil {
		return nil, nil
	}
	props, err := Unpack(raw, uint64ListSchema, false, MaxEntryIndex)
	if err != nil {
		return nil, err
	}
	items, _ := props[ArrayField].([]any)
	out := make([]uint64, 0, len(items))
	for _, item := range items {
		v, _ := toUint64(item)
		out = append(out, v)
	}
	return out, nil
}

// ---------------------------------------------------------------------
// Encoders / decoders per message kind
// ---------------------------------------------------------------------

func filtersToList(filters []Filter) []any {
	if filters == nil {
		return nil
	}
	out := make([]any, len(filters))
	for i, f := range filters {
		props := map[string]any{
			"field": f.Field,
			"cmp":   f.Cmp,
		}
		setIf(props, "operator", f.Operator != "", f.Operator)
		setIf(props, "value", f.Value != nil, f.Value)
		out[i] = props
	}
	return out
}

func filtersFromList(value any) ([]Filter, error) {
	raw, ok := value.([]byte)
	if !ok || raw == nil {
		return nil, nil
	}
	props, err := Unpack(raw, filterListSchema, true, MaxEntryIndex)
	if err != nil {
		return nil, err
	}
	items, _ := props[ArrayField].([]any)
	out := make([]Filter, 0, len(items))
	for _, item := range items {
		fp, ok := item.(map[string]any)
		if !ok {
			return nil, utils.Wrap(ErrMalformed, "filter entry")
		}
		out = append(out, Filter{
			Field:    propString(fp, "field"),
			Operator: propString(fp, "operator"),
			Cmp:      propString(fp, "cmp"),
			Value:    propBytes(fp, "value"),
		})
	}
	return out, nil
}

func packFilterList(filters []Filter) ([]byte, error) {
	list := filtersToList(filters)
	if list == nil {
		return nil, nil
	}
	return Pack(filterListSchema, map[string]any{ArrayField: list}, MaxSignedIndex)
}

// EncodeFetchRequest packs a fetch request body.
func EncodeFetchRequest(r *FetchRequest) ([]byte, error) {
	q := r.Query
	queryProps := map[string]any{}
	setIf(queryProps, "depth", q.Depth != 0, int64(q.Depth))
	setIf(queryProps, "limit", q.Limit != 0, int64(q.Limit))
	setIf(queryProps, "cutoffTime", q.CutoffTime != 0, q.CutoffTime)
	setIf(queryProps, "rootNodeId1", q.RootNodeID1 != nil, q.RootNodeID1)
	setIf(queryProps, "discardRoot", q.DiscardRoot, boolByte(q.DiscardRoot))
	setIf(queryProps, "parentId", q.ParentID != nil, q.ParentID)
	setIf(queryProps, "targetPublicKey", q.TargetPublicKey != nil, q.TargetPublicKey)
	setIf(queryProps, "sourcePublicKey", q.SourcePublicKey != nil, q.SourcePublicKey)
	setIf(queryProps, "triggerNodeId", q.TriggerNodeID != nil, q.TriggerNodeID)
	setIf(queryProps, "triggerInterval", q.TriggerInterval != 0, uint64(q.TriggerInterval))
	setIf(queryProps, "onlyTrigger", q.OnlyTrigger, boolByte(q.OnlyTrigger))
	setIf(queryProps, "descending", q.Descending, boolByte(q.Descending))
	setIf(queryProps, "orderByStorageTime", q.OrderByStorageTime, boolByte(q.OrderByStorageTime))
	setIf(queryProps, "ignoreInactive", q.IgnoreInactive, boolByte(q.IgnoreInactive))
	setIf(queryProps, "ignoreOwn", q.IgnoreOwn, boolByte(q.IgnoreOwn))
	setIf(queryProps, "preserveTransient", q.PreserveTransient, boolByte(q.PreserveTransient))
	setIf(queryProps, "region", q.Region != "", q.Region)
	setIf(queryProps, "jurisdiction", q.Jurisdiction != "", q.Jurisdiction)
	setIf(queryProps, "includeLicenses", q.IncludeLicenses != "", q.IncludeLicenses)

	if q.Match != nil {
		list := make([]any, len(q.Match))
		for i, match := range q.Match {
			props := map[string]any{"nodeType": match.NodeType}
			filters, err := packFilterList(match.Filters)
			if err != nil {
				return nil, err
			}
			setIf(props, "filters", filters != nil, filters)
			setIf(props, "limit", match.Limit != 0, int64(match.Limit))
			setIf(props, "discard", match.Discard, boolByte(match.Discard))
			setIf(props, "bottom", match.Bottom, boolByte(match.Bottom))
			setIf(props, "id", match.ID != 0, uint64(match.ID))
			setIf(props, "requireId", match.RequireID != 0, uint64(match.RequireID))
			setIf(props, "cursorId1", match.CursorID1 != nil, match.CursorID1)
			list[i] = props
		}
		packed, err := Pack(matchListSchema, map[string]any{ArrayField: list}, MaxSignedIndex)
		if err != nil {
			return nil, err
		}
		queryProps["match"] = packed
	}
	if q.Embed != nil {
		list := make([]any, len(q.Embed))
		for i, embed := range q.Embed {
			props := map[string]any{"nodeType": embed.NodeType}
			filters, err := packFilterList(embed.Filters)
			if err != nil {
				return nil, err
			}
			setIf(props, "filters", filters != nil, filters)
			list[i] = props
		}
		packed, err := Pack(allowEmbedListSchema, map[string]any{ArrayField: list}, MaxSignedIndex)
		if err != nil {
			return nil, err
		}
		queryProps["embed"] = packed
	}

	query, err := Pack(fetchQuerySchema, queryProps, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	props := map[string]any{"query": query}

	c := r.CRDT
	if c.Algo != "" || c.MsgID != nil || c.Head != 0 || c.Tail != 0 || c.CursorID1 != nil {
		crdtProps := map[string]any{}
		setIf(crdtProps, "algo", c.Algo != "", c.Algo)
		setIf(crdtProps, "conf", c.Conf != nil, c.Conf)
		setIf(crdtProps, "msgId", c.MsgID != nil, c.MsgID)
		setIf(crdtProps, "reverse", c.Reverse, boolByte(c.Reverse))
		setIf(crdtProps, "head", c.Head != 0, int64(c.Head))
		setIf(crdtProps, "tail", c.Tail != 0, int64(c.Tail))
		setIf(crdtProps, "cursorId1", c.CursorID1 != nil, c.CursorID1)
		setIf(crdtProps, "cursorIndex", c.CursorIndex != 0, int64(c.CursorIndex))
		crdt, err := Pack(fetchCRDTSchema, crdtProps, MaxSignedIndex)
		if err != nil {
			return nil, err
		}
		props["crdt"] = crdt
	}
	return Pack(fetchRequestSchema, props, MaxSignedIndex)
}

// DecodeFetchRequest parses a fetch request body.
func DecodeFetchRequest(body []byte) (*FetchRequest, error) {
	props, err := Unpack(body, fetchRequestSchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	queryRaw := propBytes(props, "query")
	qp, err := Unpack(queryRaw, fetchQuerySchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	r := &FetchRequest{}
	q := &r.Query
	q.Depth = int32(propInt(qp, "depth"))
	q.Limit = int32(propInt(qp, "limit"))
	q.CutoffTime = propUint(qp, "cutoffTime")
	q.RootNodeID1 = propBytes(qp, "rootNodeId1")
	q.DiscardRoot = propBool(qp, "discardRoot")
	q.ParentID = propBytes(qp, "parentId")
	q.TargetPublicKey = propBytes(qp, "targetPublicKey")
	q.SourcePublicKey = propBytes(qp, "sourcePublicKey")
	q.TriggerNodeID = propBytes(qp, "triggerNodeId")
	q.TriggerInterval = uint32(propUint(qp, "triggerInterval"))
	q.OnlyTrigger = propBool(qp, "onlyTrigger")
	q.Descending = propBool(qp, "descending")
	q.OrderByStorageTime = propBool(qp, "orderByStorageTime")
	q.IgnoreInactive = propBool(qp, "ignoreInactive")
	q.IgnoreOwn = propBool(qp, "ignoreOwn")
	q.PreserveTransient = propBool(qp, "preserveTransient")
	q.Region = propString(qp, "region")
	q.Jurisdiction = propString(qp, "jurisdiction")
	q.IncludeLicenses = propString(qp, "includeLicenses")
	switch q.IncludeLicenses {
	case IncludeLicensesNone, IncludeLicenses, IncludeLicensesExtend:
	default:
		return nil, utils.Wrap(ErrMalformed, "includeLicenses value")
	}

	if matchRaw := propBytes(qp, "match"); matchRaw != nil {
		mp, err := Unpack(matchRaw, matchListSchema, false, MaxEntryIndex)
		if err != nil {
			return nil, err
		}
		items, _ := mp[ArrayField].([]any)
		for _, item := range items {
			raw, _ := item.([]byte)
			one, err := Unpack(raw, matchSchema, false, MaxSignedIndex)
			if err != nil {
				return nil, err
			}
			filters, err := filtersFromList(one["filters"])
			if err != nil {
				return nil, err
			}
			q.Match = append(q.Match, Match{
				NodeType:  propBytes(one, "nodeType"),
				Filters:   filters,
				Limit:     int32(propInt(one, "limit")),
				Discard:   propBool(one, "discard"),
				Bottom:    propBool(one, "bottom"),
				ID:        uint32(propUint(one, "id")),
				RequireID: uint32(propUint(one, "requireId")),
				CursorID1: propBytes(one, "cursorId1"),
			})
		}
	}
	if embedRaw := propBytes(qp, "embed"); embedRaw != nil {
		ep, err := Unpack(embedRaw, allowEmbedListSchema, false, MaxEntryIndex)
		if err != nil {
			return nil, err
		}
		items, _ := ep[ArrayField].([]any)
		for _, item := range items {
			raw, _ := item.([]byte)
			one, err := Unpack(raw, allowEmbedSchema, false, MaxSignedIndex)
			if err != nil {
				return nil, err
			}
			filters, err := filtersFromList(one["filters"])
			if err != nil {
				return nil, err
			}
			q.Embed = append(q.Embed, AllowEmbed{
				NodeType: propBytes(one, "nodeType"),
				Filters:  filters,
			})
		}
	}

	if crdtRaw := propBytes(props, "crdt"); crdtRaw != nil {
		cp, err := Unpack(crdtRaw, fetchCRDTSchema, false, MaxSignedIndex)
		if err != nil {
			return nil, err
		}
		r.CRDT = FetchCRDT{
			Algo:        propString(cp, "algo"),
			Conf:        propBytes(cp, "conf"),
			MsgID:       propBytes(cp, "msgId"),
			Reverse:     propBool(cp, "reverse"),
			Head:        int32(propInt(cp, "head")),
			Tail:        int32(propInt(cp, "tail")),
			CursorID1:   propBytes(cp, "cursorId1"),
			CursorIndex: int32(propInt(cp, "cursorIndex")),
		}
	}
	return r, nil
}

// EncodeFetchResponse packs one streamed fetch reply.
func EncodeFetchResponse(r *FetchResponse) ([]byte, error) {
	props := map[string]any{"status": uint64(r.Status)}
	nodes, err := packBytesList(r.Nodes)
	if err != nil {
		return nil, err
	}
	setIf(props, "nodes", nodes != nil, nodes)
	embed, err := packBytesList(r.Embed)
	if err != nil {
		return nil, err
	}
	setIf(props, "embed", embed != nil, embed)
	setIf(props, "rowCount", r.RowCount != 0, uint64(r.RowCount))
	setIf(props, "error", r.Error != "", r.Error)
	setIf(props, "seq", r.Seq != 0, uint64(r.Seq))
	setIf(props, "endSeq", r.EndSeq != 0, uint64(r.EndSeq))
	setIf(props, "crdtView", r.CRDTView != nil, r.CRDTView)
	setIf(props, "cursorIndex", r.CursorIndex != 0, int64(r.CursorIndex))
	return Pack(fetchResponseSchema, props, MaxSignedIndex)
}

// DecodeFetchResponse parses one streamed fetch reply.
func DecodeFetchResponse(body []byte) (*FetchResponse, error) {
	props, err := Unpack(body, fetchResponseSchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	nodes, err := unpackBytesList(props["nodes"])
	if err != nil {
		return nil, err
	}
	embed, err := unpackBytesList(props["embed"])
	if err != nil {
		return nil, err
	}
	return &FetchResponse{
		Status:      Status(propUint(props, "status")),
		Nodes:       nodes,
		Embed:       embed,
		RowCount:    uint32(propUint(props, "rowCount")),
		Error:       propString(props, "error"),
		Seq:         uint32(propUint(props, "seq")),
		EndSeq:      uint32(propUint(props, "endSeq")),
		CRDTView:    propBytes(props, "crdtView"),
		CursorIndex: int32(propInt(props, "cursorIndex")),
	}, nil
}

// EncodeStoreRequest packs a store request body.
func EncodeStoreRequest(r *StoreRequest) ([]byte, error) {
	props := map[string]any{}
	nodes, err := packBytesList(r.Nodes)
	if err != nil {
		return nil, err
	}
	setIf(props, "nodes", nodes != nil, nodes)
	setIf(props, "sourcePublicKey", r.SourcePublicKey != nil, r.SourcePublicKey)
	setIf(props, "targetPublicKey", r.TargetPublicKey != nil, r.TargetPublicKey)
	mutes, err := packBytesList(r.MuteMsgIDs)
	if err != nil {
		return nil, err
	}
	setIf(props, "muteMsgIds", mutes != nil, mutes)
	setIf(props, "preserveTransient", r.PreserveTransient, boolByte(r.PreserveTransient))
	setIf(props, "batchId", r.BatchID != 0, uint64(r.BatchID))
	setIf(props, "hasMore", r.HasMore, boolByte(r.HasMore))
	return Pack(storeRequestSchema, props, MaxSignedIndex)
}

// DecodeStoreRequest parses a store request body.
func DecodeStoreRequest(body []byte) (*StoreRequest, error) {
	props, err := Unpack(body, storeRequestSchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	nodes, err := unpackBytesList(props["nodes"])
	if err != nil {
		return nil, err
	}
	mutes, err := unpackBytesList(props["muteMsgIds"])
	if err != nil {
		return nil, err
	}
	return &StoreRequest{
		Nodes:             nodes,
		SourcePublicKey:   propBytes(props, "sourcePublicKey"),
		TargetPublicKey:   propBytes(props, "targetPublicKey"),
		MuteMsgIDs:        mutes,
		PreserveTransient: propBool(props, "preserveTransient"),
		BatchID:           uint32(propUint(props, "batchId")),
		HasMore:           propBool(props, "hasMore"),
	}, nil
}

// EncodeStoreResponse packs a store response body.
func EncodeStoreResponse(r *StoreResponse) ([]byte, error) {
	props := map[string]any{"status": uint64(r.Status)}
	stored, err := packBytesList(r.StoredID1s)
	if err != nil {
		return nil, err
	}
	setIf(props, "storedId1s", stored != nil, stored)
	missing, err := packBytesList(r.MissingBlobID1s)
	if err != nil {
		return nil, err
	}
	setIf(props, "missingBlobId1s", missing != nil, missing)
	sizes, err := packUint64List(r.MissingBlobSizes)
	if err != nil {
		return nil, err
	}
	setIf(props, "missingBlobSizes", sizes != nil, sizes)
	setIf(props, "error", r.Error != "", r.Error)
	return Pack(storeResponseSchema, props, MaxSignedIndex)
}

// DecodeStoreResponse parses a store response body.
func DecodeStoreResponse(body []byte) (*StoreResponse, error) {
	props, err := Unpack(body, storeResponseSchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	stored, err := unpackBytesList(props["storedId1s"])
	if err != nil {
		return nil, err
	}
	missing, err := unpackBytesList(props["missingBlobId1s"])
	if err != nil {
		return nil, err
	}
	sizes, err := unpackUint64List(props["missingBlobSizes"])
	if err != nil {
		return nil, err
	}
	return &StoreResponse{
		Status:           Status(propUint(props, "status")),
		StoredID1s:       stored,
		MissingBlobID1s:  missing,
		MissingBlobSizes: sizes,
		Error:            propString(props, "error"),
	}, nil
}

// EncodeReadBlobRequest packs a read-blob request body.
func EncodeReadBlobRequest(r *ReadBlobRequest) ([]byte, error) {
	props := map[string]any{"nodeId1": r.NodeID1}
	setIf(props, "targetPublicKey", r.TargetPublicKey != nil, r.TargetPublicKey)
	setIf(props, "sourcePublicKey", r.SourcePublicKey != nil, r.SourcePublicKey)
	setIf(props, "pos", r.Pos != 0, r.Pos)
	setIf(props, "length", r.Length != 0, uint64(r.Length))
	return Pack(readBlobRequestSchema, props, MaxSignedIndex)
}

// DecodeReadBlobRequest parses a read-blob request body.
func DecodeReadBlobRequest(body []byte) (*ReadBlobRequest, error) {
	props, err := Unpack(body, readBlobRequestSchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	return &ReadBlobRequest{
		NodeID1:         propBytes(props, "nodeId1"),
		TargetPublicKey: propBytes(props, "targetPublicKey"),
		SourcePublicKey: propBytes(props, "sourcePublicKey"),
		Pos:             propUint(props, "pos"),
		Length:          uint32(propUint(props, "length")),
	}, nil
}

// EncodeReadBlobResponse packs one streamed blob chunk.
func EncodeReadBlobResponse(r *ReadBlobResponse) ([]byte, error) {
	props := map[string]any{"status": uint64(r.Status)}
	setIf(props, "data", r.Data != nil, r.Data)
	setIf(props, "seq", r.Seq != 0, uint64(r.Seq))
	setIf(props, "endSeq", r.EndSeq != 0, uint64(r.EndSeq))
	setIf(props, "blobLength", r.BlobLength != 0, r.BlobLength)
	setIf(props, "error", r.Error != "", r.Error)
	return Pack(readBlobResponseSchema, props, MaxSignedIndex)
}

// DecodeReadBlobResponse parses one streamed blob chunk.
func DecodeReadBlobResponse(body []byte) (*ReadBlobResponse, error) {
	props, err := Unpack(body, readBlobResponseSchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	return &ReadBlobResponse{
		Status:     Status(propUint(props, "status")),
		Data:       propBytes(props, "data"),
		Seq:        uint32(propUint(props, "seq")),
		EndSeq:     uint32(propUint(props, "endSeq")),
		BlobLength: propUint(props, "blobLength"),
		Error:      propString(props, "error"),
	}, nil
}

// EncodeWriteBlobRequest packs a write-blob request body.
func EncodeWriteBlobRequest(r *WriteBlobRequest) ([]byte, error) {
	props := map[string]any{"nodeId1": r.NodeID1}
	setIf(props, "targetPublicKey", r.TargetPublicKey != nil, r.TargetPublicKey)
	setIf(props, "sourcePublicKey", r.SourcePublicKey != nil, r.SourcePublicKey)
	setIf(props, "pos", r.Pos != 0, r.Pos)
	setIf(props, "data", r.Data != nil, r.Data)
	return Pack(writeBlobRequestSchema, props, MaxSignedIndex)
}

// DecodeWriteBlobRequest parses a write-blob request body.
func DecodeWriteBlobRequest(body []byte) (*WriteBlobRequest, error) {
	props, err := Unpack(body, writeBlobRequestSchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	return &WriteBlobRequest{
		NodeID1:         propBytes(props, "nodeId1"),
		TargetPublicKey: propBytes(props, "targetPublicKey"),
		SourcePublicKey: propBytes(props, "sourcePublicKey"),
		Pos:             propUint(props, "pos"),
		Data:            propBytes(props, "data"),
	}, nil
}

// EncodeWriteBlobResponse packs a write-blob response body.
func EncodeWriteBlobResponse(r *WriteBlobResponse) ([]byte, error) {
	props := map[string]any{"status": uint64(r.Status)}
	setIf(props, "currentLength", r.CurrentLength != 0, r.CurrentLength)
	setIf(props, "error", r.Error != "", r.Error)
	return Pack(writeBlobResponseSchema, props, MaxSignedIndex)
}

// DecodeWriteBlobResponse parses a write-blob response body.
func DecodeWriteBlobResponse(body []byte) (*WriteBlobResponse, error) {
	props, err := Unpack(body, writeBlobResponseSchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	return &WriteBlobResponse{
		Status:        Status(propUint(props, "status")),
		CurrentLength: propUint(props, "currentLength"),
		Error:         propString(props, "error"),
	}, nil
}

// EncodeUnsubscribeRequest packs an unsubscribe request body.
func EncodeUnsubscribeRequest(r *UnsubscribeRequest) ([]byte, error) {
	props := map[string]any{"originalMsgId": r.OriginalMsgID}
	setIf(props, "targetPublicKey", r.TargetPublicKey != nil, r.TargetPublicKey)
	return Pack(unsubscribeRequestSchema, props, MaxSignedIndex)
}

// DecodeUnsubscribeRequest parses an unsubscribe request body.
func DecodeUnsubscribeRequest(body []byte) (*UnsubscribeRequest, error) {
	props, err := Unpack(body, unsubscribeRequestSchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	return &UnsubscribeRequest{
		OriginalMsgID:   propBytes(props, "originalMsgId"),
		TargetPublicKey: propBytes(props, "targetPublicKey"),
	}, nil
}

// EncodeUnsubscribeResponse packs an unsubscribe response body.
func EncodeUnsubscribeResponse(r *UnsubscribeResponse) ([]byte, error) {
	props := map[string]any{"status": uint64(r.Status)}
	setIf(props, "error", r.Error != "", r.Error)
	return Pack(unsubscribeResponseSchema, props, MaxSignedIndex)
}

// DecodeUnsubscribeResponse parses an unsubscribe response body.
func DecodeUnsubscribeResponse(body []byte) (*UnsubscribeResponse, error) {
	props, err := Unpack(body, unsubscribeResponseSchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	return &UnsubscribeResponse{
		Status: Status(propUint(props, "status")),
		Error:  propString(props, "error"),
	}, nil
}

// EncodeGenericMessageRequest packs a generic-message request body.
func EncodeGenericMessageRequest(r *GenericMessageRequest) ([]byte, error) {
	props := map[string]any{"action": r.Action}
	setIf(props, "sourcePublicKey", r.SourcePublicKey != nil, r.SourcePublicKey)
	setIf(props, "data", r.Data != nil, r.Data)
	return Pack(genericMessageRequestSchema, props, MaxSignedIndex)
}

// DecodeGenericMessageRequest parses a generic-message request body.
func DecodeGenericMessageRequest(body []byte) (*GenericMessageRequest, error) {
	props, err := Unpack(body, genericMessageRequestSchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	return &GenericMessageRequest{
		Action:          propString(props, "action"),
		SourcePublicKey: propBytes(props, "sourcePublicKey"),
		Data:            propBytes(props, "data"),
	}, nil
}

// EncodeGenericMessageResponse packs a generic-message response body.
func EncodeGenericMessageResponse(r *GenericMessageResponse) ([]byte, error) {
	props := map[string]any{"status": uint64(r.Status)}
	setIf(props, "data", r.Data != nil, r.Data)
	setIf(props, "error", r.Error != "", r.Error)
	return Pack(genericMessageResponseSchema, props, MaxSignedIndex)
}

// DecodeGenericMessageResponse parses a generic-message response body.
func DecodeGenericMessageResponse(body []byte) (*GenericMessageResponse, error) {
	props, err := Unpack(body, genericMessageResponseSchema, false, MaxSignedIndex)
	if err != nil {
		return nil, err
	}
	return &GenericMessageResponse{
		Status: Status(propUint(props, "status")),
		Data:   propBytes(props, "data"),
		Error:  propString(props, "error"),
	}, nil
}
