package tree

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// knownTags lists every numeric field tag Node claims, so DecodeMsgpack can
// tell a genuinely unrecognised field (written by a newer build) apart from
// one of ours.
var knownTags = map[uint64]bool{
	1: true, 2: true, 3: true, 4: true, 5: true, 6: true, 7: true, 8: true,
	9: true, 10: true, 11: true, 12: true, 13: true, 14: true, 15: true,
	16: true, 17: true, 18: true, 19: true,
}

// EncodeMsgpack writes Node as a map keyed by its numeric field tags (as
// msgpack string keys, the convention the teacher's fstree.TreeEntry uses
// via struct tags), re-emitting any Unknown entries alongside the known
// ones so a round trip through an older build does not drop fields a newer
// build added.
func (n Node) EncodeMsgpack(enc *msgpack.Encoder) error {
	known := map[string]interface{}{
		"1": n.Name, "2": n.Type, "3": n.Mode,
		"5": n.OwnerID, "7": n.GroupID,
		"8": n.ModTime, "9": n.ChangeTime,
		"11": n.Size,
	}
	if n.OwnerName != "" {
		known["4"] = n.OwnerName
	}
	if n.GroupName != "" {
		known["6"] = n.GroupName
	}
	if n.AccessTime != nil {
		known["10"] = *n.AccessTime
	}
	if n.DeviceID != 0 {
		known["12"] = n.DeviceID
	}
	if n.Inode != 0 {
		known["13"] = n.Inode
	}
	if len(n.ExtAttrs) > 0 {
		known["14"] = n.ExtAttrs
	}
	if len(n.Content) > 0 {
		known["15"] = n.Content
	}
	if !n.Subtree.IsNil() {
		known["16"] = n.Subtree
	}
	if len(n.LinkTarget) > 0 {
		known["17"] = n.LinkTarget
	}
	if n.DeviceMajor != 0 {
		known["18"] = n.DeviceMajor
	}
	if n.DeviceMinor != 0 {
		known["19"] = n.DeviceMinor
	}

	for tag, v := range n.Unknown {
		known[strconv.FormatUint(tag, 10)] = v
	}

	keys := make([]string, 0, len(known))
	for k := range known {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := enc.EncodeMapLen(len(known)); err != nil {
		return err
	}
	for _, k := range keys {
		v := known[k]
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("tree: encode field %s: %w", k, err)
		}
	}
	return nil
}

// DecodeMsgpack reads a map previously written by EncodeMsgpack (or by an
// older/newer build using the same tag numbering), assigning recognised
// tags to their Node field and stashing everything else into Unknown.
func (n *Node) DecodeMsgpack(dec *msgpack.Decoder) error {
	count, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}

	n.Unknown = nil
	for i := 0; i < count; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return fmt.Errorf("tree: decode field key: %w", err)
		}
		tag, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return fmt.Errorf("tree: non-numeric field key %q: %w", key, err)
		}

		if !knownTags[tag] {
			v, err := dec.DecodeInterface()
			if err != nil {
				return fmt.Errorf("tree: decode unknown field %d: %w", tag, err)
			}
			if n.Unknown == nil {
				n.Unknown = make(map[uint64]interface{})
			}
			n.Unknown[tag] = v
			continue
		}

		if err := decodeKnownField(dec, n, tag); err != nil {
			return fmt.Errorf("tree: decode field %d: %w", tag, err)
		}
	}
	return nil
}

func decodeKnownField(dec *msgpack.Decoder, n *Node, tag uint64) error {
	switch tag {
	case 1:
		return dec.Decode(&n.Name)
	case 2:
		return dec.Decode(&n.Type)
	case 3:
		return dec.Decode(&n.Mode)
	case 4:
		return dec.Decode(&n.OwnerName)
	case 5:
		return dec.Decode(&n.OwnerID)
	case 6:
		return dec.Decode(&n.GroupName)
	case 7:
		return dec.Decode(&n.GroupID)
	case 8:
		return dec.Decode(&n.ModTime)
	case 9:
		return dec.Decode(&n.ChangeTime)
	case 10:
		var t time.Time
		if err := dec.Decode(&t); err != nil {
			return err
		}
		n.AccessTime = &t
		return nil
	case 11:
		return dec.Decode(&n.Size)
	case 12:
		return dec.Decode(&n.DeviceID)
	case 13:
		return dec.Decode(&n.Inode)
	case 14:
		return dec.Decode(&n.ExtAttrs)
	case 15:
		return dec.Decode(&n.Content)
	case 16:
		return dec.Decode(&n.Subtree)
	case 17:
		return dec.Decode(&n.LinkTarget)
	case 18:
		return dec.Decode(&n.DeviceMajor)
	case 19:
		return dec.Decode(&n.DeviceMinor)
	default:
		return fmt.Errorf("unreachable: tag %d reported known but unhandled", tag)
	}
}
