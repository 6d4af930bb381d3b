package hook

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"teebridge/internal/backend"
)

const crawlingSite = "GolfzonPark"

var kst = time.FixedZone("KST", 9*60*60)

// dispatch builds the normalized backend payload for one matched action.
// Failures are logged only; a lost push never affects the browser session.
func (r *Router) dispatch(action string, request, response map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var err error
	switch action {
	case ActionRegister:
		err = r.dispatchRegister(ctx, request, response)
	case ActionEdit:
		err = r.dispatchEdit(ctx, request, response)
	case ActionEditMove:
		err = r.dispatchEditMove(ctx, request)
	case ActionDelete:
		err = r.dispatchDelete(ctx, request)
	case ActionDeleteMobile:
		err = r.dispatchDeleteMobile(ctx, response)
	case ActionDetail:
		err = r.dispatchDetail(ctx, response)
	default:
		log.Warn().Str("action", action).Msg("unknown hook action")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("action", action).Msg("backend dispatch failed")
	}
}

// reservationPayload maps the site's booking fields onto the backend's
// reservation shape, dropping empty optionals.
func reservationPayload(request map[string]any, bookingNumber, machineNumber string) map[string]any {
	return compact(map[string]any{
		"externalId":      bookingNumber,
		"roomId":          machineNumber,
		"crawlingSite":    crawlingSite,
		"name":            str(request["bookingName"]),
		"phone":           str(request["cellNumber"]),
		"requests":        str(request["bookingMemo"]),
		"paymented":       str(request["paymentYn"]) == "Y",
		"partySize":       intOr(request["bookingCnt"], 1),
		"paymentAmount":   intOr(request["paymentTotAmount"], 0),
		"startDate":       isoKST(str(request["bookingStartDt"])),
		"endDate":         isoKST(str(request["bookingEndDt"])),
		"externalGroupId": str(request["reserveNo"]),
	})
}

func (r *Router) dispatchRegister(ctx context.Context, request, response map[string]any) error {
	entities := responseEntities(response)
	for _, entity := range entities {
		payload := reservationPayload(request, firstBookingNumber(entity), str(entity["machineNumber"]))
		if err := r.out.Patch(ctx, payload, backend.ParamDefault); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) dispatchEdit(ctx context.Context, request, response map[string]any) error {
	reserveNo := str(request["reserveNo"])
	bookingNumber := str(request["bookingNumber"])
	machines, _ := request["machineNumber"].([]any)
	entities := responseEntities(response)

	// A mobile edit that splits the booking re-numbers everything, so the
	// old group is removed first; a web multi-booking edit re-numbers too,
	// so the old single booking goes.
	if reserveNo != "" && len(machines) > 0 {
		payload := map[string]any{
			"crawlingSite":    crawlingSite,
			"reason":          "모바일 예약 변경 취소",
			"externalGroupId": reserveNo,
		}
		if err := r.out.Delete(ctx, payload, backend.ParamGroup); err != nil {
			return err
		}
	} else if len(entities) > 0 {
		payload := map[string]any{
			"crawlingSite": crawlingSite,
			"reason":       "수정 취소",
			"externalId":   bookingNumber,
		}
		if err := r.out.Delete(ctx, payload, backend.ParamDefault); err != nil {
			return err
		}
	}

	if len(entities) > 0 {
		for _, entity := range entities {
			payload := reservationPayload(request, firstBookingNumber(entity), str(entity["machineNumber"]))
			if err := r.out.Patch(ctx, payload, backend.ParamDefault); err != nil {
				return err
			}
		}
		return nil
	}
	payload := reservationPayload(request, bookingNumber, str(request["machineNumber"]))
	return r.out.Patch(ctx, payload, backend.ParamDefault)
}

func (r *Router) dispatchEditMove(ctx context.Context, request map[string]any) error {
	payload := compact(map[string]any{
		"externalId":   str(request["bookingNumber"]),
		"roomId":       str(request["machineNumber"]),
		"startDate":    isoKST(str(request["bookingStartDt"])),
		"endDate":      isoKST(str(request["bookingEndDt"])),
		"crawlingSite": crawlingSite,
	})
	return r.out.Patch(ctx, payload, backend.ParamFields)
}

func (r *Router) dispatchDelete(ctx context.Context, request map[string]any) error {
	if reserveNo := str(request["reservation.reserveNo"]); reserveNo != "" {
		payload := map[string]any{
			"crawlingSite":    crawlingSite,
			"reason":          "모바일 고객 예약을 운영자가 취소",
			"externalGroupId": reserveNo,
		}
		return r.out.Delete(ctx, payload, backend.ParamGroup)
	}
	for _, num := range sliceOf(request["bookingNums"]) {
		payload := map[string]any{
			"crawlingSite": crawlingSite,
			"reason":       "운영자 취소",
			"externalId":   str(num),
		}
		if err := r.out.Delete(ctx, payload, backend.ParamDefault); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) dispatchDeleteMobile(ctx context.Context, response map[string]any) error {
	entity, _ := response["entity"].(map[string]any)
	destroyed := sliceOf(entity["destroy"])
	if len(destroyed) == 0 {
		return nil
	}
	first, _ := destroyed[0].(map[string]any)
	reserveNo := str(first["reserveNo"])
	if reserveNo == "" {
		return nil
	}
	payload := map[string]any{
		"crawlingSite":    crawlingSite,
		"reason":          "모바일 고객 예약 취소",
		"externalGroupId": reserveNo,
	}
	return r.out.Delete(ctx, payload, backend.ParamGroup)
}

// dispatchDetail pushes the full-day reservation snapshot in one call.
func (r *Router) dispatchDetail(ctx context.Context, response map[string]any) error {
	entities := responseEntities(response)
	if len(entities) == 0 {
		return nil
	}
	date := shortDate(str(entities[0]["bookingStartDate"]))
	reservations := make([]map[string]any, 0, len(entities))
	for _, entity := range entities {
		reservations = append(reservations, compact(map[string]any{
			"externalId":      str(entity["bookingNumber"]),
			"externalGroupId": str(entity["reserveNo"]),
			"name":            str(entity["bookingName"]),
			"phone":           str(entity["cellNumber"]),
			"partySize":       intOr(entity["bookingCnt"], 1),
			"startDate":       utcZ(str(entity["bookingStartDate"])),
			"endDate":         utcZ(str(entity["bookingEndDate"])),
			"roomId":          str(entity["machineNumber"]),
			"paymented":       str(entity["paymentYn"]) == "Y",
			"paymentAmount":   intOr(entity["paymentTotAmount"], 0),
			"crawlingSite":    crawlingSite,
		}))
	}
	return r.out.Post(ctx, map[string]any{"reservations": reservations}, backend.ParamBulk, date)
}

// responseEntities handles both spellings the site uses for its entity list.
func responseEntities(response map[string]any) []map[string]any {
	raw := response["entitys"]
	if raw == nil {
		raw = response["entity"]
	}
	var out []map[string]any
	for _, e := range sliceOf(raw) {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// firstBookingNumber unwraps the site's bookingNumber field, which arrives
// as a single-element array on register/edit responses.
func firstBookingNumber(entity map[string]any) string {
	if nums := sliceOf(entity["bookingNumber"]); len(nums) > 0 {
		return str(nums[0])
	}
	return str(entity["bookingNumber"])
}

// isoKST renders a YYYYMMDDHHMMSS site timestamp as ISO 8601 with the +09:00
// offset the backend expects.
func isoKST(s string) string {
	if len(s) < 14 {
		return ""
	}
	return fmt.Sprintf("%s-%s-%sT%s:%s:%s+09:00",
		s[0:4], s[4:6], s[6:8], s[8:10], s[10:12], s[12:14])
}

// utcZ converts the same site timestamp to UTC Z form.
func utcZ(s string) string {
	t, err := time.ParseInLocation("20060102150405", s, kst)
	if err != nil {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// shortDate trims the timestamp to the YYMMDD the snapshot endpoint keys on.
func shortDate(s string) string {
	if len(s) < 8 {
		return ""
	}
	return s[2:8]
}

// compact drops nil, empty-string and empty-slice values; zero numbers and
// false booleans are kept.
func compact(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			if val == "" {
				continue
			}
		case []any:
			if len(val) == 0 {
				continue
			}
		}
		out[k] = v
	}
	return out
}

func str(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func intOr(v any, fallback int) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func sliceOf(v any) []any {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		return val
	default:
		return []any{val}
	}
}
