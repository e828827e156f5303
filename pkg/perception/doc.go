// Package perception turns detector output into identity observations.
//
// A frame carries an image and the boxes a detector produced for it. The
// pipeline drops boxes under the adaptive confidence threshold, extracts an
// embedding for each remaining crop, and feeds the embeddings to the memory
// store one at a time in detection order. After each frame the gate moves the
// threshold according to how much of the frame was novel.
package perception
