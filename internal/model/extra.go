package model

import "encoding/json"

// ExtraFields holds JSON keys a record carried that this server does not
// model. Older deployments wrote richer player and score documents; dropping
// their fields on the first save would corrupt records we merely pass
// through, so unmarshalling stows them here and marshalling merges them back.
type ExtraFields map[string]json.RawMessage

// unmarshalKeeping decodes data into v (an alias of the record type, so the
// record's own UnmarshalJSON is not re-entered) and returns any top-level
// keys v's marshalled form does not claim.
func unmarshalKeeping(data []byte, v any) (ExtraFields, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	claimed, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var claimedKeys map[string]json.RawMessage
	if err := json.Unmarshal(claimed, &claimedKeys); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k := range claimedKeys {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return ExtraFields(all), nil
}

// marshalMerging marshals v and merges extra keys back in. Keys the struct
// now claims win over stale extras.
func marshalMerging(v any, extra ExtraFields) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, claimed := obj[k]; !claimed {
			obj[k] = raw
		}
	}
	return json.Marshal(obj)
}

type playerAlias Player

func (p *Player) UnmarshalJSON(data []byte) error {
	var a playerAlias
	extra, err := unmarshalKeeping(data, &a)
	if err != nil {
		return err
	}
	*p = Player(a)
	p.Extra = extra
	return nil
}

func (p Player) MarshalJSON() ([]byte, error) {
	return marshalMerging(playerAlias(p), p.Extra)
}

type playerScoreAlias PlayerScore

func (s *PlayerScore) UnmarshalJSON(data []byte) error {
	var a playerScoreAlias
	extra, err := unmarshalKeeping(data, &a)
	if err != nil {
		return err
	}
	*s = PlayerScore(a)
	s.Extra = extra
	return nil
}

func (s PlayerScore) MarshalJSON() ([]byte, error) {
	return marshalMerging(playerScoreAlias(s), s.Extra)
}

type leaderboardScoreAlias LeaderboardScore

func (s *LeaderboardScore) UnmarshalJSON(data []byte) error {
	var a leaderboardScoreAlias
	extra, err := unmarshalKeeping(data, &a)
	if err != nil {
		return err
	}
	*s = LeaderboardScore(a)
	s.Extra = extra
	return nil
}

func (s LeaderboardScore) MarshalJSON() ([]byte, error) {
	return marshalMerging(leaderboardScoreAlias(s), s.Extra)
}

type firebasePlayerAlias FirebasePlayer

func (f *FirebasePlayer) UnmarshalJSON(data []byte) error {
	var a firebasePlayerAlias
	extra, err := unmarshalKeeping(data, &a)
	if err != nil {
		return err
	}
	*f = FirebasePlayer(a)
	f.Extra = extra
	return nil
}

func (f FirebasePlayer) MarshalJSON() ([]byte, error) {
	return marshalMerging(firebasePlayerAlias(f), f.Extra)
}
