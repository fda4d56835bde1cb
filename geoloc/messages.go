package geoloc

// GeolocationRequest asks the service to solve one pixel. Either Frame or
// ImageID (resolved through the catalog) identifies the photograph.
type GeolocationRequest struct {
	RequestID  string            `json:"requestId,omitempty"`
	ImageID    string            `json:"imageId,omitempty"`
	Collection string            `json:"collection,omitempty"`
	Frame      *CameraFrame      `json:"frame,omitempty"`
	Pixel      PixelCoordinate   `json:"pixel"`
	Pixels     []PixelCoordinate `json:"pixels,omitempty"`
}

// GeolocationResponse carries the outcome of a GeolocationRequest.
// ResultIDs[i] is the store ID of Results[i], or empty when that result had
// no usable position and was not stored.
type GeolocationResponse struct {
	RequestID string              `json:"requestId,omitempty"`
	ImageID   string              `json:"imageId,omitempty"`
	ResultIDs []string            `json:"resultIds,omitempty"`
	Results   []ConvergenceResult `json:"results,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

// AllPixels returns Pixels, or Pixel alone when Pixels is empty.
func (r GeolocationRequest) AllPixels() []PixelCoordinate {
	if len(r.Pixels) > 0 {
		return r.Pixels
	}
	return []PixelCoordinate{r.Pixel}
}
