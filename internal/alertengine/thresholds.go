package alertengine

import "github.com/pitwatch/sentinel/pkg/model"

// ResolvedThresholds is the flattened threshold set computed once per
// reading per invariant I6 (location override > tenant > built-in
// default), rather than resolved field-by-field on demand.
type ResolvedThresholds struct {
	TempMin        float64
	TempMax        float64
	HumidityMax    float64
	PM25Warn       float64
	PM25Crit       float64
	PM10Warn       float64
	PM10Crit       float64
	IAQWarn        float64
	IAQCrit        float64
	DeviceOfflineS int
	CameraOfflineS int
}

// Resolve flattens a tenant override, a location override, and the
// built-in default into one ResolvedThresholds, applying I6's precedence
// field by field.
func Resolve(tenantID int64, tenant *model.TenantThresholds, location *model.LocationThresholds) ResolvedThresholds {
	base := model.DefaultThresholds(tenantID)
	if tenant != nil {
		base = *tenant
	}

	r := ResolvedThresholds{
		TempMin:        base.TempMin,
		TempMax:        base.TempMax,
		HumidityMax:    base.HumidityMax,
		PM25Warn:       base.PM25Warn,
		PM25Crit:       base.PM25Crit,
		PM10Warn:       base.PM10Warn,
		PM10Crit:       base.PM10Crit,
		IAQWarn:        base.IAQWarn,
		IAQCrit:        base.IAQCrit,
		DeviceOfflineS: base.DeviceOfflineS,
		CameraOfflineS: base.CameraOfflineS,
	}

	if location == nil {
		return r
	}
	if location.TempMin != nil {
		r.TempMin = *location.TempMin
	}
	if location.TempMax != nil {
		r.TempMax = *location.TempMax
	}
	if location.HumidityMax != nil {
		r.HumidityMax = *location.HumidityMax
	}
	if location.PM25Warn != nil {
		r.PM25Warn = *location.PM25Warn
	}
	if location.PM25Crit != nil {
		r.PM25Crit = *location.PM25Crit
	}
	if location.PM10Warn != nil {
		r.PM10Warn = *location.PM10Warn
	}
	if location.PM10Crit != nil {
		r.PM10Crit = *location.PM10Crit
	}
	if location.IAQWarn != nil {
		r.IAQWarn = *location.IAQWarn
	}
	if location.IAQCrit != nil {
		r.IAQCrit = *location.IAQCrit
	}
	if location.DeviceOfflineS != nil {
		r.DeviceOfflineS = *location.DeviceOfflineS
	}
	if location.CameraOfflineS != nil {
		r.CameraOfflineS = *location.CameraOfflineS
	}
	return r
}
